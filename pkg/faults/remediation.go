package faults

// Remediation hints surfaced in dead-letter entries. Operators and producer
// teams act on these verbatim, so the wording is load-bearing: dashboards
// group on the exact strings.
const (
	HintFixPayload        = "Fix payload schema/format and republish within 24h"
	HintRebuildArchive    = "Rebuild archive with correct checksums and republish"
	HintInvestigateDup    = "Investigate duplication; resend only if new transcript"
	HintAutoRetry         = "Automatic retry will occur; no action needed"
	HintPlatformInfra     = "Platform team investigating infrastructure issue"
	HintStaleArchive      = "Archive older than 72h; produce fresh drop if still required"
	HintRotateCredentials = "Rotate MinIO/Redis credentials; confirm least-privilege policy"
	HintContactPlatform   = "Contact platform team with trace_id for investigation"
)

var remediationHints = map[Code]string{
	CodeValidationError:       HintFixPayload,
	CodeInvalidAudioFormat:    HintFixPayload,
	CodeMissingRequiredField:  HintFixPayload,
	CodeInvalidSchemaVersion:  HintFixPayload,
	CodeChecksumMismatch:      HintRebuildArchive,
	CodeChecksumFormatInvalid: HintRebuildArchive,
	CodeDuplicateEvent:        HintInvestigateDup,
	CodePayloadExpired:        HintStaleArchive,
	CodeProcessingFailure:     HintAutoRetry,
	CodeIngestionTimeout:      HintAutoRetry,
	CodeStorageError:          HintPlatformInfra,
	CodeDatabaseError:         HintPlatformInfra,
	CodeMinioDownloadFailed:   HintPlatformInfra,
	CodeRedisPublishFailed:    HintPlatformInfra,
	CodeQdrantError:           HintPlatformInfra,
	CodeInternalServerError:   HintContactPlatform,
}

// HintFor returns the operator remediation hint for a code. Unknown codes
// fall back to the contact-platform hint.
func HintFor(code Code) string {
	if hint, ok := remediationHints[code]; ok {
		return hint
	}
	return HintContactPlatform
}

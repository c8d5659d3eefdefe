package wire

import (
	"fmt"
	"net/url"
	"strings"
)

// URIScheme is the object-store URI scheme carried by package_uri.
const URIScheme = "minio"

// ParseObjectURI splits a minio://<bucket>/<key> URI into bucket and key.
func ParseObjectURI(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parsing object URI %q: %w", raw, err)
	}
	if u.Scheme != URIScheme {
		return "", "", fmt.Errorf("object URI %q: scheme must be %s://", raw, URIScheme)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("object URI %q: empty bucket", raw)
	}
	if key == "" {
		return "", "", fmt.Errorf("object URI %q: empty object key", raw)
	}
	return bucket, key, nil
}

package objstore

import (
	"fmt"
	"strings"
)

// Location is a parsed object-store URL. A trailing slash in the source URL
// makes the path a prefix; no trailing slash makes the last component an
// exact key; an empty path addresses the bucket root.
type Location struct {
	Bucket string
	Prefix string
	Key    string
}

// ParseURL parses "s3://<bucket>[/<path>]".
func ParseURL(raw string) (Location, error) {
	const scheme = "s3://"
	if !strings.HasPrefix(raw, scheme) {
		return Location{}, fmt.Errorf("parse object url %q: expected s3:// scheme", raw)
	}
	rest := raw[len(scheme):]
	bucket, path, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("parse object url %q: missing bucket", raw)
	}
	loc := Location{Bucket: bucket}
	switch {
	case path == "":
		// bucket root: empty prefix
	case strings.HasSuffix(path, "/"):
		loc.Prefix = path
	default:
		loc.Key = path
	}
	return loc, nil
}

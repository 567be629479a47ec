package archive

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyLocator is returned for blank locators.
var ErrEmptyLocator = errors.New("locator is empty")

// Locator addresses one archive object in object storage.
type Locator struct {
	Bucket string
	Key    string
}

// String renders the locator in bucket/key form.
func (l Locator) String() string {
	return l.Bucket + "/" + l.Key
}

// ParseLocator splits raw on its first "/" into bucket and key. A locator
// without a "/" names a key in defaultBucket. s3:// and gs:// prefixes are
// accepted and ignored.
func ParseLocator(raw, defaultBucket string) (Locator, error) {
	loc := strings.TrimSpace(raw)
	for _, scheme := range []string{"s3://", "gs://"} {
		loc = strings.TrimPrefix(loc, scheme)
	}
	loc = strings.TrimLeft(loc, "/")
	if loc == "" {
		return Locator{}, ErrEmptyLocator
	}
	bucket, key, found := strings.Cut(loc, "/")
	if !found {
		if defaultBucket == "" {
			return Locator{}, fmt.Errorf("locator %q has no bucket and no default bucket is configured", raw)
		}
		return Locator{Bucket: defaultBucket, Key: loc}, nil
	}
	if key == "" {
		return Locator{}, fmt.Errorf("locator %q has no object key", raw)
	}
	return Locator{Bucket: bucket, Key: key}, nil
}

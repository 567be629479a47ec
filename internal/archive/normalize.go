package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/JakeFAU/archive-scanner/internal/warc"
)

var (
	// ErrNotResponse rejects records that do not capture a fetched page.
	ErrNotResponse = errors.New("record is not a response")
	// ErrEmptyContent rejects records without a content block.
	ErrEmptyContent = errors.New("record has no content")
)

// Normalizer maps response records to Documents.
type Normalizer struct {
	// DefaultMIME is used when the record does not reveal a content type.
	DefaultMIME string
}

// Normalize builds a Document from rec. The content block is copied so the
// document does not pin the extraction buffer.
func (n Normalizer) Normalize(rec warc.Record) (Document, error) {
	if !rec.IsResponse() {
		return Document{}, fmt.Errorf("normalize %q record: %w", rec.Type(), ErrNotResponse)
	}
	if len(rec.Content) == 0 {
		return Document{}, fmt.Errorf("normalize record: %w", ErrEmptyContent)
	}
	doc := Document{
		Data: bytes.Clone(rec.Content),
		MIME: n.mimeFor(rec),
	}
	if target := rec.TargetURI(); target != "" {
		if _, err := url.Parse(target); err == nil {
			doc.URL = target
		}
	}
	return doc, nil
}

func (n Normalizer) mimeFor(rec warc.Record) string {
	fallback := n.DefaultMIME
	if fallback == "" {
		fallback = DefaultMIME
	}
	recordType := rec.ContentType()
	if recordType == "" {
		return fallback
	}
	if !strings.HasPrefix(strings.ToLower(recordType), "application/http") {
		return mediaType(recordType, fallback)
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(rec.Content)), nil)
	if err != nil {
		return fallback
	}
	_ = resp.Body.Close()
	return mediaType(resp.Header.Get("Content-Type"), fallback)
}

func mediaType(value, fallback string) string {
	if value == "" {
		return fallback
	}
	mt, _, err := mime.ParseMediaType(value)
	if err != nil || mt == "" {
		return fallback
	}
	return mt
}

// Package warc parses WARC/1.x records out of an in-memory buffer.
//
// The parser is deliberately buffer-oriented: callers accumulate decompressed
// bytes and ask for the next record, and the parser reports ErrIncomplete when
// the buffer ends before the record does.
package warc

import (
	"bytes"
	"errors"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
)

// Boundary terminates every record block (and the header section).
var Boundary = []byte("\r\n\r\n")

// Record types defined by the WARC 1.1 standard.
const (
	TypeWarcinfo     = "warcinfo"
	TypeResponse     = "response"
	TypeResource     = "resource"
	TypeRequest      = "request"
	TypeMetadata     = "metadata"
	TypeRevisit      = "revisit"
	TypeConversion   = "conversion"
	TypeContinuation = "continuation"
)

// Header names used by the scanner.
const (
	HeaderType          = "WARC-Type"
	HeaderTargetURI     = "WARC-Target-URI"
	HeaderRecordID      = "WARC-Record-ID"
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
)

var (
	// ErrIncomplete reports that the buffer ends before the record does.
	ErrIncomplete = errors.New("warc: incomplete record")
	// ErrMalformed reports bytes that cannot be a WARC record.
	ErrMalformed = errors.New("warc: malformed record")
)

const versionPrefix = "WARC/"

// Record is one parsed WARC record. Content aliases the parse buffer.
type Record struct {
	Version string
	Header  textproto.MIMEHeader
	Content []byte
}

// Type returns the WARC-Type header value, lowercased.
func (r Record) Type() string {
	return strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderType)))
}

// TargetURI returns the WARC-Target-URI header, stripped of the optional
// angle brackets used by WARC/1.0 writers.
func (r Record) TargetURI() string {
	uri := strings.TrimSpace(r.Header.Get(HeaderTargetURI))
	return strings.TrimSuffix(strings.TrimPrefix(uri, "<"), ">")
}

// ContentType returns the record-level Content-Type header.
func (r Record) ContentType() string {
	return strings.TrimSpace(r.Header.Get(HeaderContentType))
}

// IsResponse reports whether the record captures a fetched response.
func (r Record) IsResponse() bool {
	return r.Type() == TypeResponse
}

// Parse reads one record from the start of buf. It returns the record and the
// number of bytes it occupied, including the trailing boundary. Leading blank
// lines are tolerated and counted as consumed.
func Parse(buf []byte) (Record, int, error) {
	start := 0
	for bytes.HasPrefix(buf[start:], []byte("\r\n")) {
		start += 2
	}
	rest := buf[start:]
	if len(rest) == 0 {
		return Record{}, 0, ErrIncomplete
	}
	if len(rest) < len(versionPrefix) {
		if !bytes.HasPrefix([]byte(versionPrefix), rest) {
			return Record{}, 0, fmt.Errorf("%w: missing version line", ErrMalformed)
		}
		return Record{}, 0, ErrIncomplete
	}
	if !bytes.HasPrefix(rest, []byte(versionPrefix)) {
		return Record{}, 0, fmt.Errorf("%w: missing version line", ErrMalformed)
	}

	headerEnd := bytes.Index(rest, Boundary)
	if headerEnd < 0 {
		return Record{}, 0, ErrIncomplete
	}

	lines := strings.Split(string(rest[:headerEnd]), "\r\n")
	version := strings.TrimSpace(lines[0])
	header, err := parseHeader(lines[1:])
	if err != nil {
		return Record{}, 0, err
	}

	rawLength := header.Get(HeaderContentLength)
	if rawLength == "" {
		return Record{}, 0, fmt.Errorf("%w: missing %s", ErrMalformed, HeaderContentLength)
	}
	length, err := strconv.Atoi(strings.TrimSpace(rawLength))
	if err != nil || length < 0 {
		return Record{}, 0, fmt.Errorf("%w: invalid %s %q", ErrMalformed, HeaderContentLength, rawLength)
	}

	bodyStart := headerEnd + len(Boundary)
	bodyEnd := bodyStart + length
	recordEnd := bodyEnd + len(Boundary)
	if len(rest) < recordEnd {
		return Record{}, 0, ErrIncomplete
	}
	if !bytes.Equal(rest[bodyEnd:recordEnd], Boundary) {
		return Record{}, 0, fmt.Errorf("%w: block not followed by boundary", ErrMalformed)
	}

	return Record{
		Version: version,
		Header:  header,
		Content: rest[bodyStart:bodyEnd],
	}, start + recordEnd, nil
}

func parseHeader(lines []string) (textproto.MIMEHeader, error) {
	header := make(textproto.MIMEHeader, len(lines))
	var lastKey string
	for _, line := range lines {
		if line == "" {
			continue
		}
		// Folded continuation of the previous field.
		if line[0] == ' ' || line[0] == '\t' {
			if lastKey == "" {
				return nil, fmt.Errorf("%w: continuation without field", ErrMalformed)
			}
			values := header[lastKey]
			values[len(values)-1] += " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformed, line)
		}
		lastKey = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
		header.Add(lastKey, strings.TrimSpace(value))
	}
	return header, nil
}

// Builder writes well-formed records; used by fixtures and tooling.
type Builder struct {
	Type        string
	TargetURI   string
	ContentType string
	Extra       map[string]string
}

// Bytes serializes the record with the given content block.
func (b Builder) Bytes(content []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("WARC/1.0\r\n")
	fmt.Fprintf(&buf, "%s: %s\r\n", HeaderType, b.Type)
	if b.TargetURI != "" {
		fmt.Fprintf(&buf, "%s: %s\r\n", HeaderTargetURI, b.TargetURI)
	}
	if b.ContentType != "" {
		fmt.Fprintf(&buf, "%s: %s\r\n", HeaderContentType, b.ContentType)
	}
	for k, v := range b.Extra {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(&buf, "%s: %d\r\n", HeaderContentLength, len(content))
	buf.WriteString("\r\n")
	buf.Write(content)
	buf.Write(Boundary)
	return buf.Bytes()
}

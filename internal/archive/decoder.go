// Package archive turns a remote compressed WARC object into a stream of
// scannable documents: multi-member decompression, boundary-framed record
// extraction and document normalization.
package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// DefaultChunkSize is the read size used throughout the pipeline.
const DefaultChunkSize = 64 * 1024

var gzipMagic = []byte{0x1f, 0x8b}

// Decoder decompresses a possibly multi-member gzip stream. Streams that do
// not start with the gzip magic are passed through untouched.
//
// Decode failures are logged and surfaced as io.EOF: a corrupt archive ends the
// current work item, it never fails the process.
type Decoder struct {
	src    *bufio.Reader
	r      io.Reader
	logger *zap.Logger
	read   int64
	done   bool
}

// NewDecoder wraps r. The gzip header is read lazily on the first Read.
func NewDecoder(r io.Reader, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{
		src:    bufio.NewReaderSize(r, DefaultChunkSize),
		logger: logger,
	}
}

// BytesDecoded reports the number of decompressed bytes returned so far.
func (d *Decoder) BytesDecoded() int64 {
	return d.read
}

// Read implements io.Reader. It never returns (0, nil): gzip member
// boundaries can yield empty reads, which the extractor would otherwise take
// as end of stream.
func (d *Decoder) Read(p []byte) (int, error) {
	if d.done {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if d.r == nil {
		if err := d.open(); err != nil {
			return d.fail(err)
		}
	}
	for {
		n, err := d.r.Read(p)
		d.read += int64(n)
		switch {
		case err == nil && n == 0:
			continue
		case err == nil:
			return n, nil
		case errors.Is(err, io.EOF):
			d.done = true
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		default:
			d.logError(err)
			d.done = true
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		}
	}
}

func (d *Decoder) open() error {
	head, err := d.src.Peek(len(gzipMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("peek archive header: %w", err)
	}
	if !bytes.Equal(head, gzipMagic) {
		d.r = d.src
		return nil
	}
	zr, err := gzip.NewReader(d.src)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	zr.Multistream(true)
	d.r = zr
	return nil
}

func (d *Decoder) fail(err error) (int, error) {
	d.logError(err)
	d.done = true
	return 0, io.EOF
}

func (d *Decoder) logError(err error) {
	d.logger.Warn("archive decode failed; treating archive as exhausted",
		zap.Int64("bytes_decoded", d.read),
		zap.Error(err),
	)
}

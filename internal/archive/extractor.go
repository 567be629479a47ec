package archive

import (
	"bytes"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/archive-scanner/internal/warc"
)

// ExtractStats counts what the extractor saw for one archive.
type ExtractStats struct {
	// Accepted records are fetched-page responses handed to the caller.
	Accepted int
	// Dropped records parsed fine but were of another WARC type.
	Dropped int
	// Skipped counts discarded buffer segments (incomplete or malformed).
	Skipped int
}

// Extractor assembles boundary-framed WARC records from a decompressed stream
// and yields only response records.
//
// Bytes are accumulated chunk by chunk until the accumulated tail is the
// record boundary or the stream ends; the accumulated buffer is then parsed
// record by record. A record cut short by a chunk that happened to end on a
// boundary inside it is carried into the next accumulation; at end of stream,
// or past MaxRecordBytes, it is discarded. Malformed bytes are discarded.
type Extractor struct {
	r         io.Reader
	chunk     []byte
	carry     []byte
	pending   []warc.Record
	exhausted bool
	stats     ExtractStats
	logger    *zap.Logger

	// MaxRecordBytes bounds how much of one unfinished record is retained.
	MaxRecordBytes int
}

// DefaultMaxRecordBytes is the carry limit applied by NewExtractor.
const DefaultMaxRecordBytes = 64 << 20

// NewExtractor reads from r in chunkSize reads (DefaultChunkSize when <= 0).
func NewExtractor(r io.Reader, chunkSize int, logger *zap.Logger) *Extractor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		r:      r,
		chunk:  make([]byte, chunkSize),
		logger: logger,

		MaxRecordBytes: DefaultMaxRecordBytes,
	}
}

// Stats returns the counters accumulated so far.
func (e *Extractor) Stats() ExtractStats {
	return e.stats
}

// Next returns the next response record, or io.EOF once the stream is
// exhausted and nothing is left to parse.
func (e *Extractor) Next() (warc.Record, error) {
	for {
		if len(e.pending) > 0 {
			rec := e.pending[0]
			e.pending = e.pending[1:]
			return rec, nil
		}
		if e.exhausted {
			return warc.Record{}, io.EOF
		}
		buf, ended := e.accumulate()
		if ended {
			e.exhausted = true
		}
		if len(buf) == 0 {
			continue
		}
		e.carry = e.split(buf)
		if (e.exhausted && len(e.carry) > 0) || (e.MaxRecordBytes > 0 && len(e.carry) > e.MaxRecordBytes) {
			e.stats.Skipped++
			e.logger.Debug("discarding unfinished archive record", zap.Int("bytes", len(e.carry)))
			e.carry = nil
		}
	}
}

// accumulate reads until the buffer tail is the boundary marker or a read
// comes back empty. ended reports the latter.
func (e *Extractor) accumulate() ([]byte, bool) {
	buf := e.carry
	e.carry = nil
	for {
		n, err := e.r.Read(e.chunk)
		buf = append(buf, e.chunk[:n]...)
		if err != nil && !errors.Is(err, io.EOF) {
			e.logger.Warn("archive read failed; ending archive", zap.Error(err))
		}
		if n == 0 || err != nil {
			return buf, true
		}
		if bytes.HasSuffix(buf, warc.Boundary) {
			return buf, false
		}
	}
}

// split parses every complete record in buf and returns the unfinished tail,
// if any. Records reference buf, which is never reused.
func (e *Extractor) split(buf []byte) []byte {
	offset := 0
	for offset < len(buf) {
		if len(bytes.TrimLeft(buf[offset:], "\r\n")) == 0 {
			return nil
		}
		rec, n, err := warc.Parse(buf[offset:])
		if errors.Is(err, warc.ErrIncomplete) {
			return buf[offset:]
		}
		if err != nil {
			e.stats.Skipped++
			e.logger.Debug("discarding malformed archive segment",
				zap.Int("bytes", len(buf)-offset),
				zap.Error(err),
			)
			return nil
		}
		offset += n
		if !rec.IsResponse() {
			e.stats.Dropped++
			continue
		}
		e.stats.Accepted++
		e.pending = append(e.pending, rec)
	}
	return nil
}

// Package pattern is the built-in scan engine. It evaluates query triggers
// (literal or regular-expression patterns) against documents and reports the
// queries whose thresholds are satisfied.
package pattern

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-scanner/internal/archive"
	"github.com/JakeFAU/archive-scanner/internal/output"
	"github.com/JakeFAU/archive-scanner/internal/query"
	"github.com/JakeFAU/archive-scanner/internal/scan"
)

// Defaults applied by New.
const (
	DefaultQueueDepth    = 1024
	DefaultExcerptRadius = 80
)

// Config controls Engine behavior.
type Config struct {
	// QueueDepth bounds the number of batches waiting for a worker.
	QueueDepth int
	// ExcerptRadius is the number of bytes kept on each side of a match.
	ExcerptRadius int
	// Now stamps outputs; time.Now when nil.
	Now func() time.Time
}

type matcher interface {
	find(data []byte) []int
}

type literal []byte

func (l literal) find(data []byte) []int {
	i := bytes.Index(data, l)
	if i < 0 {
		return nil
	}
	return []int{i, i + len(l)}
}

type expression struct{ re *regexp.Regexp }

func (e expression) find(data []byte) []int { return e.re.FindIndex(data) }

type compiledTrigger struct {
	id string
	m  matcher
}

type compiledQuery struct {
	q        query.Query
	scope    matcher
	triggers []compiledTrigger
}

// Engine scans batches on a fixed pool of goroutines.
type Engine struct {
	content query.ScopeContent
	queries []compiledQuery
	cfg     Config
	logger  *zap.Logger

	queue   chan []archive.Document
	pending atomic.Int64
	wg      sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	outMu   sync.Mutex
	outputs []output.Output
}

var _ scan.Engine = (*Engine)(nil)

// Compile builds an Engine with default settings; it satisfies
// scan.CompilerFunc.
func Compile(group query.Group, threads int, logger *zap.Logger) (scan.Engine, error) {
	return New(group, threads, Config{}, logger)
}

// New compiles every query of the group and starts threads workers.
func New(group query.Group, threads int, cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.ExcerptRadius <= 0 {
		cfg.ExcerptRadius = DefaultExcerptRadius
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	threads = max(1, threads)

	compiled := make([]compiledQuery, 0, len(group.Queries))
	for _, q := range group.Queries {
		if q.Scope.Content != group.Content {
			return nil, fmt.Errorf("compile query %q: scope %q does not belong to group %q", q.ID, q.Scope.Content, group.Content)
		}
		cq, err := compileQuery(q)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cq)
	}

	e := &Engine{
		content: group.Content,
		queries: compiled,
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan []archive.Document, cfg.QueueDepth),
	}
	e.wg.Add(threads)
	for i := 0; i < threads; i++ {
		go e.run()
	}
	return e, nil
}

func compileQuery(q query.Query) (compiledQuery, error) {
	if err := q.Validate(); err != nil {
		return compiledQuery{}, fmt.Errorf("compile query %q: %w", q.ID, err)
	}
	scope, err := compilePattern(q.Scope.Pattern)
	if err != nil {
		return compiledQuery{}, fmt.Errorf("compile query %q scope: %w", q.ID, err)
	}
	cq := compiledQuery{q: q, scope: scope}
	for _, trig := range q.Triggers {
		m, err := compilePattern(trig.Pattern)
		if err != nil {
			return compiledQuery{}, fmt.Errorf("compile query %q trigger %q: %w", q.ID, trig.ID, err)
		}
		cq.triggers = append(cq.triggers, compiledTrigger{id: trig.ID, m: m})
	}
	return cq, nil
}

func compilePattern(p query.Pattern) (matcher, error) {
	if p.Kind == query.PatternRaw {
		return literal(p.Content), nil
	}
	re, err := regexp.Compile(p.Content)
	if err != nil {
		return nil, fmt.Errorf("compile regex: %w", err)
	}
	return expression{re: re}, nil
}

// Process queues a batch for scanning.
func (e *Engine) Process(batch []archive.Document) error {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return scan.ErrClosed
	}
	e.pending.Add(1)
	select {
	case e.queue <- batch:
		return nil
	default:
		e.pending.Add(-1)
		return scan.ErrQueueFull
	}
}

// Pending returns the number of batches queued or being scanned.
func (e *Engine) Pending() int {
	return int(e.pending.Load())
}

// Outputs drains the collected outputs.
func (e *Engine) Outputs() output.Batch {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	if len(e.outputs) == 0 {
		return output.Batch{}
	}
	b := output.Batch{Outputs: e.outputs}
	e.outputs = nil
	return b
}

// Close stops accepting batches and waits for queued ones to finish.
func (e *Engine) Close() {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.closeMu.Unlock()
	e.wg.Wait()
}

func (e *Engine) run() {
	defer e.wg.Done()
	for batch := range e.queue {
		var found []output.Output
		for _, doc := range batch {
			found = append(found, e.scanDocument(doc)...)
		}
		if len(found) > 0 {
			e.outMu.Lock()
			e.outputs = append(e.outputs, found...)
			e.outMu.Unlock()
		}
		e.pending.Add(-1)
	}
}

func (e *Engine) scanDocument(doc archive.Document) []output.Output {
	var (
		body    []byte
		outputs []output.Output
	)
	for i := range e.queries {
		cq := &e.queries[i]
		if cq.scope.find([]byte(doc.URL)) == nil {
			continue
		}
		if body == nil {
			body = e.representation(doc)
		}
		hits := make(map[string][]int, len(cq.triggers))
		for _, trig := range cq.triggers {
			if loc := trig.m.find(body); loc != nil {
				hits[trig.id] = loc
			}
		}
		if !satisfied(cq.q.Threshold, hits) {
			continue
		}
		outputs = append(outputs, e.buildOutput(cq, doc, body, hits))
	}
	return outputs
}

func satisfied(t query.Threshold, hits map[string][]int) bool {
	count := 0
	for _, c := range t.Considers {
		var ok bool
		if c.Threshold != nil {
			ok = satisfied(*c.Threshold, hits)
		} else {
			_, ok = hits[c.Trigger]
		}
		if ok {
			count++
		}
	}
	return (count >= t.Requires) != t.Inverse
}

func (e *Engine) buildOutput(cq *compiledQuery, doc archive.Document, body []byte, hits map[string][]int) output.Output {
	resp := cq.q.Response
	out := output.Output{
		QueryID:   cq.q.ID,
		Kind:      resp.Kind,
		MatchedAt: e.cfg.Now().UTC(),
	}
	if resp.Includes(query.ItemURL) {
		out.URL = doc.URL
	}
	if resp.Includes(query.ItemMIME) {
		out.MIME = doc.MIME
	}
	for _, trig := range cq.triggers {
		loc, ok := hits[trig.id]
		if !ok {
			continue
		}
		out.Triggers = append(out.Triggers, trig.id)
		if resp.Kind == query.ResponseFull && resp.Includes(query.ItemExcerpt) {
			out.Excerpts = append(out.Excerpts, excerpt(body, loc, e.cfg.ExcerptRadius))
		}
	}
	return out
}

func excerpt(body []byte, loc []int, radius int) string {
	start := max(0, loc[0]-radius)
	end := min(len(body), loc[1]+radius)
	return strings.ToValidUTF8(string(body[start:end]), "")
}

// representation returns the bytes queries of this engine run against.
func (e *Engine) representation(doc archive.Document) []byte {
	if e.content != query.ScopeText {
		return doc.Data
	}
	payload := httpPayload(doc.Data)
	text, err := visibleText(payload)
	if err != nil {
		e.logger.Debug("html text extraction failed; scanning payload", zap.String("url", doc.URL), zap.Error(err))
		return payload
	}
	return text
}

// httpPayload strips a leading HTTP response head, if any.
func httpPayload(data []byte) []byte {
	if !bytes.HasPrefix(data, []byte("HTTP/")) {
		return data
	}
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[i+4:]
	}
	return data
}

func visibleText(payload []byte) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()
	return []byte(strings.Join(strings.Fields(doc.Text()), " ")), nil
}

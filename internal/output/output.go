// Package output holds scan results and the worker-side aggregator that
// periodically collects them from scan engines and delivers them to the
// master.
package output

import (
	"time"

	"github.com/JakeFAU/archive-scanner/internal/query"
)

// Output is one query match against one document.
type Output struct {
	QueryID   string             `json:"query_id"`
	Kind      query.ResponseKind `json:"kind"`
	URL       string             `json:"url,omitempty"`
	MIME      string             `json:"mime,omitempty"`
	Excerpts  []string           `json:"excerpts,omitempty"`
	Triggers  []string           `json:"triggers,omitempty"`
	MatchedAt time.Time          `json:"matched_at"`
}

// Batch is an ordered collection of outputs. It is the unit of delivery to the
// master.
type Batch struct {
	Outputs []Output `json:"outputs"`
}

// Len returns the number of outputs in the batch.
func (b Batch) Len() int { return len(b.Outputs) }

// IsEmpty reports whether the batch carries no outputs.
func (b Batch) IsEmpty() bool { return len(b.Outputs) == 0 }

// Merge concatenates other after b. Merging with an empty batch returns the
// non-empty side unchanged.
func (b Batch) Merge(other Batch) Batch {
	switch {
	case other.IsEmpty():
		return b
	case b.IsEmpty():
		return other
	}
	merged := make([]Output, 0, len(b.Outputs)+len(other.Outputs))
	merged = append(merged, b.Outputs...)
	merged = append(merged, other.Outputs...)
	return Batch{Outputs: merged}
}

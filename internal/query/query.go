// Package query defines the scan query model shared by the master and the
// workers: scope, triggers, thresholds and the response shape, together with
// their JSON wire form and the partitioning of a query set into groups.
package query

import (
	"errors"
	"fmt"
	"regexp"
)

// PatternKind selects how a pattern's content is interpreted.
type PatternKind string

const (
	// PatternRegex patterns are RE2 regular expressions.
	PatternRegex PatternKind = "regex"
	// PatternRaw patterns match their content literally.
	PatternRaw PatternKind = "raw"
)

// ScopeContent selects which representation of a document a query sees.
// Queries are partitioned into groups by this value.
type ScopeContent string

const (
	// ScopeRaw scans the document bytes as received.
	ScopeRaw ScopeContent = "raw"
	// ScopeText scans the visible text extracted from HTML documents.
	ScopeText ScopeContent = "text"
)

// ResponseKind selects how much a match reports.
type ResponseKind string

const (
	// ResponseFull reports every included item.
	ResponseFull ResponseKind = "full"
	// ResponsePartial reports the match and its location only.
	ResponsePartial ResponseKind = "partial"
)

// ResponseItem names one piece of information included in an output.
type ResponseItem string

// Response items.
const (
	ItemURL     ResponseItem = "url"
	ItemExcerpt ResponseItem = "excerpt"
	ItemMIME    ResponseItem = "mime"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid query")

// Pattern is a literal or regular-expression pattern.
type Pattern struct {
	Content string      `json:"content"`
	Kind    PatternKind `json:"kind"`
}

// Scope restricts a query to documents whose URL matches Pattern and picks the
// document representation it runs against.
type Scope struct {
	Pattern Pattern      `json:"pattern"`
	Content ScopeContent `json:"content"`
}

// Trigger is a named pattern referenced by thresholds.
type Trigger struct {
	Pattern Pattern `json:"pattern"`
	ID      string  `json:"id"`
}

// Consideration is one input to a threshold: either a trigger reference or a
// nested threshold. Exactly one field is set.
type Consideration struct {
	Trigger   string     `json:"trigger,omitempty"`
	Threshold *Threshold `json:"threshold,omitempty"`
}

// Threshold is satisfied when at least Requires of its considerations are,
// with the outcome flipped when Inverse is set.
type Threshold struct {
	Considers []Consideration `json:"considers"`
	Requires  int             `json:"requires"`
	Inverse   bool            `json:"inverse,omitempty"`
}

// Response describes the output a match produces.
type Response struct {
	Kind    ResponseKind   `json:"kind"`
	Include []ResponseItem `json:"include,omitempty"`
}

// Includes reports whether item is part of the response.
func (r Response) Includes(item ResponseItem) bool {
	for _, it := range r.Include {
		if it == item {
			return true
		}
	}
	return false
}

// Query is one scan query.
type Query struct {
	ID        string    `json:"id,omitempty"`
	Response  Response  `json:"response"`
	Scope     Scope     `json:"scope"`
	Threshold Threshold `json:"threshold"`
	Triggers  []Trigger `json:"triggers"`
}

// Validate checks that patterns compile, trigger ids are unique and every
// threshold reference resolves.
func (q Query) Validate() error {
	switch q.Scope.Content {
	case ScopeRaw, ScopeText:
	default:
		return fmt.Errorf("%w: unknown scope content %q", ErrInvalid, q.Scope.Content)
	}
	if err := q.Scope.Pattern.validate(); err != nil {
		return fmt.Errorf("%w: scope: %v", ErrInvalid, err)
	}
	switch q.Response.Kind {
	case ResponseFull, ResponsePartial:
	default:
		return fmt.Errorf("%w: unknown response kind %q", ErrInvalid, q.Response.Kind)
	}
	for _, item := range q.Response.Include {
		switch item {
		case ItemURL, ItemExcerpt, ItemMIME:
		default:
			return fmt.Errorf("%w: unknown response item %q", ErrInvalid, item)
		}
	}

	ids := make(map[string]struct{}, len(q.Triggers))
	for _, trig := range q.Triggers {
		if trig.ID == "" {
			return fmt.Errorf("%w: trigger without id", ErrInvalid)
		}
		if _, dup := ids[trig.ID]; dup {
			return fmt.Errorf("%w: duplicate trigger id %q", ErrInvalid, trig.ID)
		}
		ids[trig.ID] = struct{}{}
		if err := trig.Pattern.validate(); err != nil {
			return fmt.Errorf("%w: trigger %q: %v", ErrInvalid, trig.ID, err)
		}
	}
	return q.Threshold.validate(ids)
}

func (p Pattern) validate() error {
	switch p.Kind {
	case PatternRaw:
		return nil
	case PatternRegex:
		if _, err := regexp.Compile(p.Content); err != nil {
			return fmt.Errorf("compile pattern: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown pattern kind %q", p.Kind)
	}
}

func (t Threshold) validate(triggers map[string]struct{}) error {
	if t.Requires < 0 || t.Requires > len(t.Considers) {
		return fmt.Errorf("%w: threshold requires %d of %d", ErrInvalid, t.Requires, len(t.Considers))
	}
	for _, c := range t.Considers {
		switch {
		case c.Trigger != "" && c.Threshold != nil:
			return fmt.Errorf("%w: consideration names both a trigger and a threshold", ErrInvalid)
		case c.Threshold != nil:
			if err := c.Threshold.validate(triggers); err != nil {
				return err
			}
		case c.Trigger != "":
			if _, ok := triggers[c.Trigger]; !ok {
				return fmt.Errorf("%w: unknown trigger %q", ErrInvalid, c.Trigger)
			}
		default:
			return fmt.Errorf("%w: empty consideration", ErrInvalid)
		}
	}
	return nil
}

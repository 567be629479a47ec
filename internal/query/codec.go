package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Record is the wire and storage form of one query: an identifier plus the
// JSON definition.
type Record struct {
	ID         string `json:"id"`
	Definition string `json:"ieql"`
}

// Encode renders q as its JSON definition.
func Encode(q Query) (string, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("encode query %q: %w", q.ID, err)
	}
	return string(raw), nil
}

// Decode parses and validates a JSON definition. Unknown fields are rejected.
func Decode(definition string) (Query, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(definition)))
	dec.DisallowUnknownFields()
	var q Query
	if err := dec.Decode(&q); err != nil {
		return Query{}, fmt.Errorf("decode query: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Query{}, fmt.Errorf("decode query: trailing data after definition")
	}
	if err := q.Validate(); err != nil {
		return Query{}, err
	}
	return q, nil
}

// DecodeRecords decodes every record. The first failure aborts; callers that
// need to tolerate bad rows decode one at a time.
func DecodeRecords(records []Record) ([]Query, error) {
	queries := make([]Query, 0, len(records))
	for _, rec := range records {
		q, err := Decode(rec.Definition)
		if err != nil {
			return nil, fmt.Errorf("query record %q: %w", rec.ID, err)
		}
		if q.ID == "" {
			q.ID = rec.ID
		}
		queries = append(queries, q)
	}
	return queries, nil
}

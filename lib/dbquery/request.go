// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package dbquery

import (
	"errors"
	"fmt"
	"math"
)

// Commands served by the db_client node.
const (
	CommandQuery  = "query_data"
	CommandInsert = "insert_data"
)

// NodeName is the well-known name of the DB Client node.
const NodeName = "db_client"

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// DefaultLimit applies when a request leaves Limit at zero.
const DefaultLimit = 100

// MaxLimit caps the documents returned by one query.
const MaxLimit = 10000

// Direction is a sort order.
type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

// SortKey orders results by one field.
type SortKey struct {
	Field     string
	Direction Direction
}

// Request is a query_data request.
type Request struct {
	Collection string
	Filter     map[string]any
	Sort       []SortKey
	Limit      int
	Skip       int
}

// Validate checks the parts of r the transport cannot: a collection
// name, a known sort direction, and non-negative paging.
func (r Request) Validate() error {
	if r.Collection == "" {
		return errors.New("dbquery: collection is required")
	}
	if r.Limit < 0 || r.Skip < 0 {
		return fmt.Errorf("dbquery: limit %d and skip %d must not be negative", r.Limit, r.Skip)
	}
	for _, key := range r.Sort {
		if key.Field == "" {
			return errors.New("dbquery: sort key with empty field")
		}
		if key.Direction != Ascending && key.Direction != Descending {
			return fmt.Errorf("dbquery: sort %s: direction must be 1 or -1, got %d", key.Field, key.Direction)
		}
	}
	return nil
}

// Payload encodes r as a query_data command payload. The filter is
// carried as "filter" and repeated as "query" for clients that still
// read the older key.
func (r Request) Payload() map[string]any {
	filter := r.Filter
	if filter == nil {
		filter = map[string]any{}
	}
	limit := r.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	payload := map[string]any{
		"command":    CommandQuery,
		"collection": r.Collection,
		"filter":     filter,
		"query":      filter,
		"limit":      limit,
		"skip":       r.Skip,
	}
	if len(r.Sort) > 0 {
		sort := make([]any, len(r.Sort))
		for i, key := range r.Sort {
			sort[i] = []any{key.Field, int(key.Direction)}
		}
		payload["sort"] = sort
	}
	return payload
}

// ParseRequest decodes a query_data payload. The filter is read from
// "filter", falling back to "query"; sort entries as [field, direction] pairs or
// {field, direction} maps.
func ParseRequest(payload map[string]any) (Request, error) {
	var r Request
	var ok bool
	if r.Collection, ok = payload["collection"].(string); !ok || r.Collection == "" {
		return Request{}, errors.New("dbquery: collection must be a non-empty string")
	}

	filter, present := payload["filter"]
	if !present {
		filter, present = payload["query"]
	}
	if present && filter != nil {
		if r.Filter, ok = filter.(map[string]any); !ok {
			return Request{}, fmt.Errorf("dbquery: filter must be a map, got %T", filter)
		}
	}

	var err error
	if r.Limit, err = intField(payload, "limit"); err != nil {
		return Request{}, err
	}
	if r.Skip, err = intField(payload, "skip"); err != nil {
		return Request{}, err
	}
	if r.Limit == 0 {
		r.Limit = DefaultLimit
	}

	if raw, present := payload["sort"]; present && raw != nil {
		entries, ok := raw.([]any)
		if !ok {
			return Request{}, fmt.Errorf("dbquery: sort must be a list, got %T", raw)
		}
		for i, entry := range entries {
			key, err := parseSortKey(entry)
			if err != nil {
				return Request{}, fmt.Errorf("dbquery: sort[%d]: %w", i, err)
			}
			r.Sort = append(r.Sort, key)
		}
	}
	return r, r.Validate()
}

func parseSortKey(entry any) (SortKey, error) {
	var field, direction any
	switch v := entry.(type) {
	case []any:
		if len(v) != 2 {
			return SortKey{}, fmt.Errorf("want [field, direction], got %d elements", len(v))
		}
		field, direction = v[0], v[1]
	case map[string]any:
		field, direction = v["field"], v["direction"]
	default:
		return SortKey{}, fmt.Errorf("want [field, direction], got %T", entry)
	}
	name, ok := field.(string)
	if !ok {
		return SortKey{}, fmt.Errorf("field must be a string, got %T", field)
	}
	n, ok := toInt64(direction)
	if !ok {
		return SortKey{}, fmt.Errorf("direction must be an integer, got %T", direction)
	}
	return SortKey{Field: name, Direction: Direction(n)}, nil
}

func intField(payload map[string]any, name string) (int, error) {
	raw, present := payload[name]
	if !present || raw == nil {
		return 0, nil
	}
	n, ok := toInt64(raw)
	if !ok || n < 0 || n > math.MaxInt32 {
		return 0, fmt.Errorf("dbquery: %s must be a non-negative integer, got %v", name, raw)
	}
	return int(n), nil
}

// toInt64 accepts the integer representations a decoded payload can
// carry, and floats with no fractional part.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// Response is a DB Client reply.
type Response struct {
	Status  string
	Results []map[string]any
	Error   string

	// Inserted is set by insert_data replies.
	Inserted int
}

// OK reports a success status.
func (r Response) OK() bool { return r.Status == StatusSuccess }

// Err returns the remote error, or nil on success.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	if r.Error == "" {
		return fmt.Errorf("dbquery: status %q", r.Status)
	}
	return fmt.Errorf("dbquery: %s", r.Error)
}

// Payload encodes r as a RESPONSE payload.
func (r Response) Payload() map[string]any {
	if !r.OK() {
		return map[string]any{"status": StatusError, "error": r.Error}
	}
	results := make([]any, len(r.Results))
	for i, document := range r.Results {
		results[i] = document
	}
	payload := map[string]any{"status": StatusSuccess, "query_results": results}
	if r.Inserted > 0 {
		payload["inserted"] = r.Inserted
	}
	return payload
}

// ParseResponse decodes a DB Client RESPONSE payload.
func ParseResponse(payload map[string]any) (Response, error) {
	var r Response
	var ok bool
	if r.Status, ok = payload["status"].(string); !ok {
		return Response{}, errors.New("dbquery: response without status")
	}
	if r.Status != StatusSuccess && r.Status != StatusError {
		return Response{}, fmt.Errorf("dbquery: unknown status %q", r.Status)
	}
	r.Error, _ = payload["error"].(string)
	if n, ok := toInt64(payload["inserted"]); ok {
		r.Inserted = int(n)
	}
	if raw, present := payload["query_results"]; present && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return Response{}, fmt.Errorf("dbquery: query_results must be a list, got %T", raw)
		}
		r.Results = make([]map[string]any, 0, len(list))
		for i, item := range list {
			document, ok := item.(map[string]any)
			if !ok {
				return Response{}, fmt.Errorf("dbquery: query_results[%d] is %T, want a map", i, item)
			}
			r.Results = append(r.Results, document)
		}
	}
	return r, nil
}

// errorResponse builds the reply for a failed request.
func errorResponse(err error) Response {
	return Response{Status: StatusError, Error: err.Error()}
}

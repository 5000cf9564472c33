// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package dbquery

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// comparisons maps filter operators to SQL.
var comparisons = map[string]string{
	"$eq":  "=",
	"$ne":  "!=",
	"$gt":  ">",
	"$gte": ">=",
	"$lt":  "<",
	"$lte": "<=",
}

// sqlFilter accumulates a WHERE clause and its bound arguments.
// Field paths are bound as arguments too, so no payload text reaches
// the SQL string.
type sqlFilter struct {
	args []any
}

func jsonPath(field string) (string, error) {
	if !fieldPattern.MatchString(field) {
		return "", fmt.Errorf("invalid field name %q", field)
	}
	return "$." + field, nil
}

// translate returns the condition for filter, "1" when it is empty.
func (f *sqlFilter) translate(filter map[string]any) (string, error) {
	if len(filter) == 0 {
		return "1", nil
	}
	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	conditions := make([]string, 0, len(keys))
	for _, key := range keys {
		var condition string
		var err error
		switch key {
		case "$and", "$or":
			condition, err = f.logical(key, filter[key])
		default:
			condition, err = f.field(key, filter[key])
		}
		if err != nil {
			return "", err
		}
		conditions = append(conditions, condition)
	}
	return "(" + strings.Join(conditions, " AND ") + ")", nil
}

func (f *sqlFilter) logical(op string, value any) (string, error) {
	clauses, ok := value.([]any)
	if !ok || len(clauses) == 0 {
		return "", fmt.Errorf("%s needs a non-empty list of filters", op)
	}
	parts := make([]string, len(clauses))
	for i, clause := range clauses {
		sub, ok := clause.(map[string]any)
		if !ok {
			return "", fmt.Errorf("%s[%d] is %T, want a filter map", op, i, clause)
		}
		condition, err := f.translate(sub)
		if err != nil {
			return "", err
		}
		parts[i] = condition
	}
	joiner := " AND "
	if op == "$or" {
		joiner = " OR "
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

func (f *sqlFilter) field(name string, value any) (string, error) {
	path, err := jsonPath(name)
	if err != nil {
		return "", err
	}
	operators, ok := value.(map[string]any)
	if !ok || !isOperatorMap(operators) {
		return f.compare(path, "$eq", value)
	}

	ops := make([]string, 0, len(operators))
	for op := range operators {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	conditions := make([]string, 0, len(ops))
	for _, op := range ops {
		var condition string
		switch op {
		case "$in", "$nin":
			condition, err = f.membership(path, op, operators[op])
		case "$exists":
			condition, err = f.exists(path, operators[op])
		default:
			condition, err = f.compare(path, op, operators[op])
		}
		if err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		conditions = append(conditions, condition)
	}
	return strings.Join(conditions, " AND "), nil
}

func isOperatorMap(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for key := range m {
		if !strings.HasPrefix(key, "$") {
			return false
		}
	}
	return true
}

func (f *sqlFilter) compare(path, op string, value any) (string, error) {
	symbol, ok := comparisons[op]
	if !ok {
		return "", fmt.Errorf("unsupported operator %s", op)
	}
	if value == nil {
		switch op {
		case "$eq":
			f.args = append(f.args, path)
			return "json_extract(body, ?) IS NULL", nil
		case "$ne":
			f.args = append(f.args, path)
			return "json_extract(body, ?) IS NOT NULL", nil
		}
		return "", fmt.Errorf("%s null is not comparable", op)
	}
	bound, err := scalar(value)
	if err != nil {
		return "", err
	}
	f.args = append(f.args, path, bound)
	return "json_extract(body, ?) " + symbol + " ?", nil
}

func (f *sqlFilter) membership(path, op string, value any) (string, error) {
	list, ok := value.([]any)
	if !ok {
		return "", fmt.Errorf("%s needs a list, got %T", op, value)
	}
	if len(list) == 0 {
		if op == "$in" {
			return "0", nil
		}
		return "1", nil
	}
	f.args = append(f.args, path)
	placeholders := make([]string, len(list))
	for i, item := range list {
		bound, err := scalar(item)
		if err != nil {
			return "", err
		}
		placeholders[i] = "?"
		f.args = append(f.args, bound)
	}
	keyword := "IN"
	if op == "$nin" {
		keyword = "NOT IN"
	}
	return "json_extract(body, ?) " + keyword + " (" + strings.Join(placeholders, ", ") + ")", nil
}

func (f *sqlFilter) exists(path string, value any) (string, error) {
	want, ok := value.(bool)
	if !ok {
		return "", fmt.Errorf("$exists needs a bool, got %T", value)
	}
	f.args = append(f.args, path)
	if want {
		return "json_type(body, ?) IS NOT NULL", nil
	}
	return "json_type(body, ?) IS NULL", nil
}

// scalar converts a payload value to a bindable SQLite value. JSON
// booleans extract as 1 and 0.
func scalar(value any) (any, error) {
	switch v := value.(type) {
	case string, float64:
		return v, nil
	case float32:
		return float64(v), nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	}
	if n, ok := toInt64(value); ok {
		return n, nil
	}
	return nil, fmt.Errorf("cannot compare against %T", value)
}

// orderBy returns the ORDER BY clause for keys. Insertion order
// breaks ties.
func (f *sqlFilter) orderBy(keys []SortKey) (string, error) {
	terms := make([]string, 0, len(keys)+1)
	for _, key := range keys {
		path, err := jsonPath(key.Field)
		if err != nil {
			return "", err
		}
		f.args = append(f.args, path)
		direction := "ASC"
		if key.Direction == Descending {
			direction = "DESC"
		}
		terms = append(terms, "json_extract(body, ?) "+direction)
	}
	terms = append(terms, "id ASC")
	return " ORDER BY " + strings.Join(terms, ", "), nil
}

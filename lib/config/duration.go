// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from a duration string
// ("250ms") or a number of seconds (0.25).
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	parsed, err := parseDuration(node.Value, node.ShortTag() == "!!int" || node.ShortTag() == "!!float")
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = parsed
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := parseDuration(v, false)
		if err != nil {
			return err
		}
		*d = parsed
	case float64:
		parsed, err := seconds(v)
		if err != nil {
			return err
		}
		*d = parsed
	default:
		return fmt.Errorf("duration must be a string or a number of seconds, got %s", data)
	}
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func parseDuration(text string, numeric bool) (Duration, error) {
	if numeric {
		var value float64
		if _, err := fmt.Sscan(text, &value); err != nil {
			return 0, fmt.Errorf("invalid duration %q", text)
		}
		return seconds(value)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return 0, err
	}
	return Duration(parsed), nil
}

func seconds(value float64) (Duration, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || math.Abs(value) > math.MaxInt64/float64(time.Second) {
		return 0, fmt.Errorf("duration %v seconds out of range", value)
	}
	return Duration(value * float64(time.Second)), nil
}

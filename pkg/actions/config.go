// Package actions holds the built-in action handlers and helpers for reading
// their configuration.
package actions

import (
	"fmt"
	"time"

	"github.com/crmflow/automation/pkg/models"
)

// String returns config[key] as a string, or "" when missing or not a string.
func String(config map[string]any, key string) string {
	s, _ := config[key].(string)

	return s
}

// StringOr returns String(config, key) or fallback when empty.
func StringOr(config map[string]any, key, fallback string) string {
	if s := String(config, key); s != "" {
		return s
	}

	return fallback
}

// StringList accepts a single string or a list and returns the non-empty
// strings in order.
func StringList(config map[string]any, key string) []string {
	var out []string

	switch v := config[key].(type) {
	case string:
		if v != "" {
			out = append(out, v)
		}
	case []string:
		for _, s := range v {
			if s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range v {
			if s := models.Stringify(item); s != "" {
				out = append(out, s)
			}
		}
	}

	return out
}

// StringMap returns an object of config as string values.
func StringMap(config map[string]any, key string) map[string]string {
	out := map[string]string{}

	switch v := config[key].(type) {
	case map[string]string:
		for k, s := range v {
			out[k] = s
		}
	case map[string]any:
		for k, item := range v {
			out[k] = models.Stringify(item)
		}
	}

	return out
}

// Map returns an object of config, or nil.
func Map(config map[string]any, key string) map[string]any {
	m, _ := config[key].(map[string]any)

	return m
}

// Duration reads a Go duration string ("48h") or a number of seconds.
func Duration(config map[string]any, key string) (time.Duration, error) {
	raw, ok := config[key]
	if !ok || raw == nil || raw == "" {
		return 0, nil
	}

	if s, ok := raw.(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}

		return d, nil
	}

	seconds, ok := models.ToFloat(raw)
	if !ok {
		return 0, fmt.Errorf("invalid %s: %v", key, raw)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

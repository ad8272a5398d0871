package payload

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// valueKeys are the conventional JSON field names probed, in order, when a
// payload is not a bare number.
var valueKeys = []string{"value", "val", "v", "temp", "temperature", "reading"}

type strategy func(string) (float64, bool)

var strategies = []strategy{parsePlainFloat, parseJSONObject}

// Value extracts a finite numeric reading from a raw event payload.
// Strategies are tried in order: plain numeric text, then a JSON object
// probed for conventional keys. Non-numeric chatter returns ok=false, never
// an error, so callers can still count the event.
func Value(raw []byte) (float64, bool) {
	s := strings.TrimSpace(string(bytes.ToValidUTF8(raw, nil)))
	if s == "" {
		return 0, false
	}
	for _, parse := range strategies {
		if v, ok := parse(s); ok {
			return v, true
		}
	}
	return 0, false
}

func parsePlainFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func parseJSONObject(s string) (float64, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return 0, false
	}
	for _, key := range valueKeys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		if v, ok := coerceFloat(raw); ok {
			return v, true
		}
	}
	return 0, false
}

func coerceFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case json.Number:
		return parsePlainFloat(v.String())
	case string:
		return parsePlainFloat(strings.TrimSpace(v))
	case bool, nil:
		return 0, false
	default:
		return 0, false
	}
}

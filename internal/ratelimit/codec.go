package ratelimit

import (
	"bytes"
	"fmt"
	"strconv"
)

// WindowState is the persisted counter for one key: the cost consumed in the
// previous and current buckets plus the instant the current bucket began.
// Start is unix nanoseconds so the encoding round-trips exactly.
type WindowState struct {
	Previous int64
	Current  int64
	Start    int64
}

// Encode renders s in the fixed three-field form "previous:current:start".
func Encode(s WindowState) []byte {
	buf := make([]byte, 0, 40)
	buf = strconv.AppendInt(buf, s.Previous, 10)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, s.Current, 10)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, s.Start, 10)
	return buf
}

// Decode parses the form produced by Encode. Counts must be non-negative.
func Decode(value []byte) (WindowState, error) {
	parts := bytes.Split(value, []byte{':'})
	if len(parts) != 3 {
		return WindowState{}, fmt.Errorf("window state: expected 3 fields, got %d", len(parts))
	}
	prev, err := strconv.ParseInt(string(parts[0]), 10, 64)
	if err != nil {
		return WindowState{}, fmt.Errorf("window state: previous count: %w", err)
	}
	curr, err := strconv.ParseInt(string(parts[1]), 10, 64)
	if err != nil {
		return WindowState{}, fmt.Errorf("window state: current count: %w", err)
	}
	start, err := strconv.ParseInt(string(parts[2]), 10, 64)
	if err != nil {
		return WindowState{}, fmt.Errorf("window state: bucket start: %w", err)
	}
	if prev < 0 || curr < 0 {
		return WindowState{}, fmt.Errorf("window state: negative count")
	}
	return WindowState{Previous: prev, Current: curr, Start: start}, nil
}

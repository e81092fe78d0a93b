// Package jid generates timestamp job IDs: yyyyMMddHHmmssffffff, sortable
// and unique per master process.
package jid

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const layout = "20060102150405"

// Generator produces unique job IDs. Two submissions landing on the same
// microsecond get distinct IDs: the later one is bumped forward.
type Generator struct {
	mu   sync.Mutex
	last time.Time
}

// NewGenerator returns a ready Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Next returns a fresh job ID.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	// The ID only carries microseconds, so compare at microsecond grain:
	// two calls inside the same microsecond must still diverge.
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(g.last) {
		now = g.last.Add(time.Microsecond)
	}
	g.last = now

	return now.Format(layout) + fmt.Sprintf("%06d", now.Nanosecond()/1000)
}

// IsValid reports whether s looks like a job ID.
func IsValid(s string) bool {
	if len(s) != 20 {
		return false
	}
	if strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return false
	}
	_, err := time.Parse(layout, s[:14])
	return err == nil
}

// Time extracts the submission time from a job ID.
func Time(s string) (time.Time, error) {
	if !IsValid(s) {
		return time.Time{}, fmt.Errorf("malformed job id: %q", s)
	}
	t, err := time.Parse(layout, s[:14])
	if err != nil {
		return time.Time{}, err
	}
	var micros int
	if _, err := fmt.Sscanf(s[14:], "%06d", &micros); err != nil {
		return time.Time{}, err
	}
	return t.Add(time.Duration(micros) * time.Microsecond), nil
}

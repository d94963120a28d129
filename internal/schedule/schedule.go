// Package schedule maps wall-clock time onto the fixed daily attendance blocks.
//
// Block selection works at hour granularity: minutes are ignored, so 11:59
// belongs to the morning block and 12:00 to the afternoon block. Every
// function takes the instant explicitly; the caller decides which timezone the
// instant is expressed in.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"ojtrack/internal/apperr"
)

// BlockKey identifies a named block of the day.
type BlockKey string

const (
	Morning   BlockKey = "morning"
	Afternoon BlockKey = "afternoon"
	Evening   BlockKey = "evening"
)

// Block is one named interval of the day, [StartHour, EndHour). EndHour 24
// bounds the overnight block at midnight.
type Block struct {
	Key       BlockKey `json:"key"`
	Name      string   `json:"name"`
	StartHour int      `json:"start_hour"`
	EndHour   int      `json:"end_hour"`
	// DeadTimeOffset is how many hours past EndHour an open time-in is
	// still considered in progress rather than forgotten.
	DeadTimeOffset int `json:"dead_time_offset"`
}

// DeadTimeHour is the hour from which an open time-in counts as forgotten.
func (b Block) DeadTimeHour() int {
	return b.EndHour + b.DeadTimeOffset
}

// Contains reports whether hour falls inside the block.
func (b Block) Contains(hour int) bool {
	return hour >= b.StartHour && hour < b.EndHour
}

// DeadTimeOffsets configures the per-block grace hours.
type DeadTimeOffsets struct {
	Morning   int
	Afternoon int
	Evening   int
}

// DefaultDeadTimeOffsets forgets morning and afternoon time-ins at block end
// and gives the evening block two extra hours.
var DefaultDeadTimeOffsets = DeadTimeOffsets{Morning: 0, Afternoon: 0, Evening: 2}

// DefaultBlocks returns the three-block day.
func DefaultBlocks(off DeadTimeOffsets) []Block {
	return []Block{
		{Key: Morning, Name: "Morning", StartHour: 6, EndHour: 12, DeadTimeOffset: off.Morning},
		{Key: Afternoon, Name: "Afternoon", StartHour: 12, EndHour: 18, DeadTimeOffset: off.Afternoon},
		{Key: Evening, Name: "Evening", StartHour: 18, EndHour: 24, DeadTimeOffset: off.Evening},
	}
}

// Calendar resolves instants to blocks.
type Calendar struct {
	blocks []Block
}

// New validates blocks and builds a calendar. Blocks must be ordered, lie
// within [0, 24] and must not overlap.
func New(blocks []Block) (*Calendar, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("schedule: at least one block required")
	}
	seen := make(map[BlockKey]bool, len(blocks))
	for i, b := range blocks {
		if b.Key == "" {
			return nil, fmt.Errorf("schedule: block %d has no key", i)
		}
		if seen[b.Key] {
			return nil, fmt.Errorf("schedule: duplicate block %q", b.Key)
		}
		seen[b.Key] = true
		if b.StartHour < 0 || b.EndHour > 24 || b.StartHour >= b.EndHour {
			return nil, fmt.Errorf("schedule: block %q has invalid hours %d-%d", b.Key, b.StartHour, b.EndHour)
		}
		if b.DeadTimeOffset < 0 {
			return nil, fmt.Errorf("schedule: block %q has negative dead time offset", b.Key)
		}
		if i > 0 && b.StartHour < blocks[i-1].EndHour {
			return nil, fmt.Errorf("schedule: block %q overlaps %q", b.Key, blocks[i-1].Key)
		}
	}
	out := make([]Block, len(blocks))
	copy(out, blocks)
	return &Calendar{blocks: out}, nil
}

// MustDefault builds the default calendar with the given offsets.
func MustDefault(off DeadTimeOffsets) *Calendar {
	c, err := New(DefaultBlocks(off))
	if err != nil {
		panic(err)
	}
	return c
}

// Blocks returns the configured blocks in order.
func (c *Calendar) Blocks() []Block {
	out := make([]Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// Block looks up a block by key.
func (c *Calendar) Block(key BlockKey) (Block, bool) {
	for _, b := range c.blocks {
		if b.Key == key {
			return b, true
		}
	}
	return Block{}, false
}

// Parse validates a client-supplied block key.
func (c *Calendar) Parse(s string) (Block, error) {
	b, ok := c.Block(BlockKey(strings.ToLower(strings.TrimSpace(s))))
	if !ok {
		return Block{}, apperr.New(apperr.InvalidBlock, fmt.Sprintf("unknown block %q", s))
	}
	return b, nil
}

// Active returns the block containing now's hour, if any.
func (c *Calendar) Active(now time.Time) (Block, bool) {
	h := now.Hour()
	for _, b := range c.blocks {
		if b.Contains(h) {
			return b, true
		}
	}
	return Block{}, false
}

// IsActive reports whether key is the active block at now.
func (c *Calendar) IsActive(key BlockKey, now time.Time) bool {
	b, ok := c.Active(now)
	return ok && b.Key == key
}

// DeadTimeHour returns the hour after which an open time-in for key is forgotten.
func (c *Calendar) DeadTimeHour(key BlockKey) (int, error) {
	b, ok := c.Block(key)
	if !ok {
		return 0, apperr.New(apperr.InvalidBlock, fmt.Sprintf("unknown block %q", key))
	}
	return b.DeadTimeHour(), nil
}

// DeadTimeReached reports whether an open time-in for key on date counts as
// forgotten at now. Earlier dates always do. Only the calendar fields of date
// are used, so dates scanned as UTC midnight compare correctly in any zone.
func (c *Calendar) DeadTimeReached(key BlockKey, date, now time.Time) bool {
	today := Date(now)
	d := SameDay(date, now.Location())
	if d.Before(today) {
		return true
	}
	if d.After(today) {
		return false
	}
	h, err := c.DeadTimeHour(key)
	if err != nil {
		return false
	}
	return now.Hour() >= h
}

// EndOn returns the instant the block ends on date. An EndHour of 24 yields
// midnight of the following day.
func (c *Calendar) EndOn(key BlockKey, date time.Time) (time.Time, error) {
	b, ok := c.Block(key)
	if !ok {
		return time.Time{}, apperr.New(apperr.InvalidBlock, fmt.Sprintf("unknown block %q", key))
	}
	return time.Date(date.Year(), date.Month(), date.Day(), b.EndHour, 0, 0, 0, date.Location()), nil
}

// Date truncates t to midnight in t's location.
func Date(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// SameDay reinterprets the calendar day of t as midnight in loc.
func SameDay(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// DateString formats the calendar day of t as YYYY-MM-DD.
func DateString(t time.Time) string {
	return t.Format("2006-01-02")
}

// ParseDate parses YYYY-MM-DD as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, apperr.New(apperr.InvalidInput, fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", s))
	}
	return t, nil
}

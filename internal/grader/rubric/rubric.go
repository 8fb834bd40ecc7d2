// Package rubric defines the ordered, scored report produced by one autograder.
package rubric

import "time"

// Judgment is a tri-state pass/fail flag. JudgmentNone means no pass/fail
// decision applies.
type Judgment uint8

const (
	JudgmentNone Judgment = iota
	JudgmentPassed
	JudgmentFailed
)

// JudgmentOf converts a boolean verdict into a Judgment.
func JudgmentOf(passed bool) Judgment {
	if passed {
		return JudgmentPassed
	}
	return JudgmentFailed
}

// Decided reports whether a pass/fail decision was made.
func (j Judgment) Decided() bool {
	return j != JudgmentNone
}

// Passed reports whether the judgment is JudgmentPassed.
func (j Judgment) Passed() bool {
	return j == JudgmentPassed
}

func (j Judgment) String() string {
	switch j {
	case JudgmentPassed:
		return "passed"
	case JudgmentFailed:
		return "failed"
	default:
		return ""
	}
}

// Points returns a pointer to v, for optional point values.
func Points(v float64) *float64 {
	return &v
}

// Item is one scored rubric entry.
type Item struct {
	Name     string
	Score    float64
	MaxScore *float64
	Passed   Judgment
	Output   string
	Hidden   bool
	Elapsed  time.Duration
}

// Rubric is an append-only, insertion-ordered list of items.
type Rubric struct {
	name  string
	items []Item
}

// New creates an empty rubric.
func New(name string) *Rubric {
	return &Rubric{name: name}
}

// Name returns the rubric name.
func (r *Rubric) Name() string {
	return r.name
}

// Add appends an item.
func (r *Rubric) Add(item Item) {
	r.items = append(r.items, item)
}

// AddRubric appends a single aggregate item summarizing sub. The aggregate
// passes only when every decided item of sub passed.
func (r *Rubric) AddRubric(sub *Rubric) {
	if sub == nil {
		return
	}
	item := Item{
		Name:  sub.name,
		Score: sub.Score(),
	}
	if maxScore, ok := sub.MaxScore(); ok {
		item.MaxScore = Points(maxScore)
	}
	for _, it := range sub.items {
		item.Elapsed += it.Elapsed
		switch it.Passed {
		case JudgmentFailed:
			item.Passed = JudgmentFailed
		case JudgmentPassed:
			if item.Passed == JudgmentNone {
				item.Passed = JudgmentPassed
			}
		}
	}
	r.items = append(r.items, item)
}

// Items returns a copy of the items in insertion order.
func (r *Rubric) Items() []Item {
	out := make([]Item, len(r.items))
	copy(out, r.items)
	return out
}

// Len returns the number of items.
func (r *Rubric) Len() int {
	return len(r.items)
}

// Find returns the first item with the given name.
func (r *Rubric) Find(name string) (Item, bool) {
	for _, it := range r.items {
		if it.Name == name {
			return it, true
		}
	}
	return Item{}, false
}

// Score returns the sum of all item scores.
func (r *Rubric) Score() float64 {
	var total float64
	for _, it := range r.items {
		total += it.Score
	}
	return total
}

// MaxScore returns the sum of all declared max scores. ok is false when no
// item declares one.
func (r *Rubric) MaxScore() (total float64, ok bool) {
	for _, it := range r.items {
		if it.MaxScore != nil {
			total += *it.MaxScore
			ok = true
		}
	}
	return total, ok
}

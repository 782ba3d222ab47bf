// Package batch chooses how many records a worker processes per unit of work.
package batch

import (
	"errors"
	"fmt"
)

// Phase distinguishes the first batch of a worker run from the rest.
type Phase int

const (
	// First is the first batch of a run. When no model exists it is also
	// the bootstrap training sample, so it is sized larger.
	First Phase = iota
	// Subsequent is every batch after the first.
	Subsequent
)

func (p Phase) String() string {
	switch p {
	case First:
		return "first"
	case Subsequent:
		return "subsequent"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Tier is one row of the batch policy table.
// MaxCorpusSize 0 marks the final, unbounded tier.
type Tier struct {
	MaxCorpusSize  int    `yaml:"max_corpus_size" json:"max_corpus_size"`
	FirstSize      int    `yaml:"first" json:"first"`
	SubsequentSize int    `yaml:"subsequent" json:"subsequent"`
	Rationale      string `yaml:"rationale,omitempty" json:"rationale,omitempty"`
}

// Table is an ordered set of tiers, smallest corpus first.
type Table []Tier

// ErrInvalidTable is wrapped by every Validate failure.
var ErrInvalidTable = errors.New("invalid batch policy table")

// DefaultTable is the built-in tier table.
var DefaultTable = Table{
	{MaxCorpusSize: 5_000, FirstSize: 500, SubsequentSize: 500, Rationale: "small corpus, keep latency low"},
	{MaxCorpusSize: 50_000, FirstSize: 2_000, SubsequentSize: 1_000, Rationale: "wider first sample for a stable manifold"},
	{MaxCorpusSize: 500_000, FirstSize: 10_000, SubsequentSize: 2_000, Rationale: "amortize claim overhead"},
	{MaxCorpusSize: 0, FirstSize: 20_000, SubsequentSize: 5_000, Rationale: "large backlog drain"},
}

// Validate checks that tiers ascend by corpus size, sizes are positive, each
// tier's first size is at least its subsequent size, and the table ends with
// an unbounded tier.
func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: no tiers", ErrInvalidTable)
	}
	prev := 0
	for i, tier := range t {
		last := i == len(t)-1
		if tier.FirstSize <= 0 || tier.SubsequentSize <= 0 {
			return fmt.Errorf("%w: tier %d has non-positive batch size", ErrInvalidTable, i)
		}
		if tier.FirstSize < tier.SubsequentSize {
			return fmt.Errorf("%w: tier %d first size %d is below subsequent size %d",
				ErrInvalidTable, i, tier.FirstSize, tier.SubsequentSize)
		}
		if last {
			if tier.MaxCorpusSize != 0 {
				return fmt.Errorf("%w: last tier must be unbounded (max_corpus_size 0)", ErrInvalidTable)
			}
			break
		}
		if tier.MaxCorpusSize <= prev {
			return fmt.Errorf("%w: tier %d max_corpus_size %d does not ascend", ErrInvalidTable, i, tier.MaxCorpusSize)
		}
		prev = tier.MaxCorpusSize
	}
	return nil
}

// Size returns the batch size for a backlog of remaining records in phase.
// The table must be valid.
func (t Table) Size(remaining int, phase Phase) int {
	tier := t.lookup(remaining)
	if phase == First {
		return tier.FirstSize
	}
	return tier.SubsequentSize
}

// Min returns the smallest batch size in the table.
func (t Table) Min() int {
	m := 0
	for _, tier := range t {
		for _, s := range []int{tier.FirstSize, tier.SubsequentSize} {
			if m == 0 || s < m {
				m = s
			}
		}
	}
	return m
}

func (t Table) lookup(remaining int) Tier {
	for _, tier := range t {
		if tier.MaxCorpusSize == 0 || remaining <= tier.MaxCorpusSize {
			return tier
		}
	}
	return t[len(t)-1]
}

// Size looks remaining up in DefaultTable.
func Size(remaining int, phase Phase) int {
	return DefaultTable.Size(remaining, phase)
}

package index

import (
	"sync"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const treeDegree = 16

type level struct {
	price  decimal.Decimal
	alerts []domain.AlertSummary
}

func lessLevel(a, b *level) bool {
	return a.price.LessThan(b.price)
}

// Match is a bucket hit together with the window price that caused it.
type Match struct {
	Summary domain.AlertSummary
	Price   decimal.Decimal
}

// Bucket holds the active alerts of one symbol in three ordered trees keyed
// by threshold. Readers may iterate one bucket while other buckets mutate.
type Bucket struct {
	mu     sync.RWMutex
	upper  *btree.BTreeG[*level]
	lower  *btree.BTreeG[*level]
	equals *btree.BTreeG[*level]
}

func newBucket() *Bucket {
	return &Bucket{
		upper:  btree.NewG[*level](treeDegree, lessLevel),
		lower:  btree.NewG[*level](treeDegree, lessLevel),
		equals: btree.NewG[*level](treeDegree, lessLevel),
	}
}

func (b *Bucket) treeFor(condition domain.Condition) *btree.BTreeG[*level] {
	switch {
	case condition.IsUpper():
		return b.upper
	case condition.IsLower():
		return b.lower
	default:
		return b.equals
	}
}

func (b *Bucket) insert(summary domain.AlertSummary) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tree := b.treeFor(summary.Condition)
	probe := &level{price: summary.Threshold}
	existing, ok := tree.Get(probe)
	if !ok {
		probe.alerts = []domain.AlertSummary{summary}
		tree.ReplaceOrInsert(probe)
		return
	}
	for i, current := range existing.alerts {
		if current.ID == summary.ID {
			existing.alerts[i] = summary
			return
		}
	}
	existing.alerts = append(existing.alerts, summary)
}

func (b *Bucket) remove(id uuid.UUID, condition domain.Condition, threshold decimal.Decimal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	tree := b.treeFor(condition)
	probe := &level{price: threshold}
	existing, ok := tree.Get(probe)
	if !ok {
		return false
	}
	kept := existing.alerts[:0]
	removed := false
	for _, current := range existing.alerts {
		if current.ID == id {
			removed = true
			continue
		}
		kept = append(kept, current)
	}
	existing.alerts = kept
	if len(existing.alerts) == 0 {
		tree.Delete(probe)
	}
	return removed
}

// MatchUpper returns GTE entries with threshold <= high and GT entries with
// threshold < high.
func (b *Bucket) MatchUpper(high decimal.Decimal) []Match {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matches []Match
	b.upper.Ascend(func(l *level) bool {
		cmp := l.price.Cmp(high)
		if cmp > 0 {
			return false
		}
		for _, summary := range l.alerts {
			if summary.Condition == domain.ConditionGTE || (summary.Condition == domain.ConditionGT && cmp < 0) {
				matches = append(matches, Match{Summary: summary, Price: high})
			}
		}
		return true
	})
	return matches
}

// MatchLower returns LTE entries with threshold >= low and LT entries with
// threshold > low.
func (b *Bucket) MatchLower(low decimal.Decimal) []Match {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matches []Match
	b.lower.Descend(func(l *level) bool {
		cmp := l.price.Cmp(low)
		if cmp < 0 {
			return false
		}
		for _, summary := range l.alerts {
			if summary.Condition == domain.ConditionLTE || (summary.Condition == domain.ConditionLT && cmp > 0) {
				matches = append(matches, Match{Summary: summary, Price: low})
			}
		}
		return true
	})
	return matches
}

// MatchEquals returns EQ entries with threshold inside [low, high]. The
// reported price is the window high.
func (b *Bucket) MatchEquals(low, high decimal.Decimal) []Match {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matches []Match
	b.equals.AscendGreaterOrEqual(&level{price: low}, func(l *level) bool {
		if l.price.GreaterThan(high) {
			return false
		}
		for _, summary := range l.alerts {
			matches = append(matches, Match{Summary: summary, Price: high})
		}
		return true
	})
	return matches
}

// Len counts the summaries across all three trees.
func (b *Bucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	count := func(l *level) bool {
		total += len(l.alerts)
		return true
	}
	b.upper.Ascend(count)
	b.lower.Ascend(count)
	b.equals.Ascend(count)
	return total
}

// Entries lists the summaries stored at one threshold for a condition's tree.
func (b *Bucket) Entries(condition domain.Condition, threshold decimal.Decimal) []domain.AlertSummary {
	b.mu.RLock()
	defer b.mu.RUnlock()

	existing, ok := b.treeFor(condition).Get(&level{price: threshold})
	if !ok {
		return nil
	}
	out := make([]domain.AlertSummary, len(existing.alerts))
	copy(out, existing.alerts)
	return out
}

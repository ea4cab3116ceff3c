package assembler

import (
	"sort"

	"github.com/xiy/memory-engine/internal/tokens"
	"github.com/xiy/memory-engine/pkg/types"
)

// budget tracks remaining tokens and which records are already included.
type budget struct {
	est       tokens.Estimator
	remaining int
	included  map[string]bool
	facts     []types.ContextItem
	counts    map[types.Tier]int
}

func newBudget(est tokens.Estimator, maxTokens int) *budget {
	return &budget{
		est:       est,
		remaining: maxTokens,
		included:  map[string]bool{},
		counts:    map[types.Tier]int{types.TierShort: 0, types.TierMedium: 0, types.TierDurable: 0},
	}
}

// fitMessages keeps the newest run of messages that fits. A message larger
// than what is left ends the run; older messages are never kept in its place.
func (b *budget) fitMessages(msgs []types.Message) []types.Message {
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := b.est.Estimate(msgs[i].Content)
		if cost > b.remaining {
			break
		}
		b.remaining -= cost
		start = i
	}
	kept := append([]types.Message(nil), msgs[start:]...)
	b.counts[types.TierShort] = len(kept)
	return kept
}

// add includes item when it fits and was not included before.
func (b *budget) add(item types.ContextItem) bool {
	key := string(item.Tier) + "/" + item.ID
	if b.included[key] {
		return false
	}
	if item.Tokens == 0 {
		item.Tokens = b.est.Estimate(item.Text)
	}
	if item.Tokens > b.remaining {
		return false
	}
	b.remaining -= item.Tokens
	b.included[key] = true
	b.facts = append(b.facts, item)
	b.counts[item.Tier]++
	return true
}

func (b *budget) has(tier types.Tier, id string) bool {
	return b.included[string(tier)+"/"+id]
}

func mediumItem(r types.MediumRecord) types.ContextItem {
	return types.ContextItem{
		ID:        r.ID,
		Tier:      types.TierMedium,
		Kind:      string(r.Kind),
		Text:      r.Content.Text(),
		Score:     r.RelevanceScore,
		CreatedAt: r.CreatedAt,
	}
}

func durableItem(r types.DurableRecord) types.ContextItem {
	return types.ContextItem{
		ID:        r.ID,
		Tier:      types.TierDurable,
		Kind:      string(r.Kind),
		Text:      r.Content.Text(),
		Score:     r.ImportanceScore,
		CreatedAt: r.CreatedAt,
	}
}

// sortByPriority orders by score, then newer first, then id for determinism.
func sortByPriority(items []types.ContextItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

// topK returns at most k items in priority order.
func topK(items []types.ContextItem, k int) []types.ContextItem {
	out := append([]types.ContextItem(nil), items...)
	sortByPriority(out)
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

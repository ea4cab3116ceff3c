package workers

import (
	"strings"

	"github.com/xiy/memory-engine/pkg/types"
)

// Classifier decides whether a medium record carries content worth keeping
// permanently.
type Classifier interface {
	Actionable(rec types.MediumRecord) bool
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(rec types.MediumRecord) bool

func (f ClassifierFunc) Actionable(rec types.MediumRecord) bool { return f(rec) }

// KeywordClassifier is the deterministic default: actions always qualify,
// decisions qualify once a choice is recorded, and summaries qualify when
// they mention one of Keywords.
type KeywordClassifier struct {
	Keywords []string
}

func (c KeywordClassifier) Actionable(rec types.MediumRecord) bool {
	switch rec.Kind {
	case types.KindAction:
		return rec.Content.Action != nil && strings.TrimSpace(rec.Content.Action.Description) != ""
	case types.KindDecision:
		return rec.Content.Decision != nil && strings.TrimSpace(rec.Content.Decision.Choice) != ""
	case types.KindConversationSummary:
		if rec.Content.Summary == nil {
			return false
		}
		words := strings.FieldsFunc(strings.ToLower(rec.Content.Summary.Text), func(r rune) bool {
			return !(r == '-' || r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
		})
		for _, w := range words {
			for _, k := range c.Keywords {
				if w == strings.ToLower(k) {
					return true
				}
			}
		}
	}
	return false
}

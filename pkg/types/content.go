package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MediumKind discriminates MediumRecord content.
type MediumKind string

const (
	KindConversationSummary MediumKind = "conversation-summary"
	KindAction              MediumKind = "action"
	KindDecision            MediumKind = "decision"
)

// DurableKind discriminates DurableRecord content.
type DurableKind string

const (
	KindFact         DurableKind = "fact"
	KindPreference   DurableKind = "preference"
	KindSkill        DurableKind = "skill"
	KindRelationship DurableKind = "relationship"
)

// ParseMediumKind validates a medium kind string.
func ParseMediumKind(s string) (MediumKind, error) {
	switch k := MediumKind(strings.TrimSpace(strings.ToLower(s))); k {
	case KindConversationSummary, KindAction, KindDecision:
		return k, nil
	}
	return "", fmt.Errorf("invalid medium kind %q", s)
}

// ParseDurableKind validates a durable kind string.
func ParseDurableKind(s string) (DurableKind, error) {
	switch k := DurableKind(strings.TrimSpace(strings.ToLower(s))); k {
	case KindFact, KindPreference, KindSkill, KindRelationship:
		return k, nil
	}
	return "", fmt.Errorf("invalid durable kind %q", s)
}

// ConversationSummary condenses a stretch of conversation.
type ConversationSummary struct {
	Text   string   `json:"text"`
	Topics []string `json:"topics,omitempty"`
}

// Action is a task the agent or user committed to.
type Action struct {
	Description string     `json:"description"`
	Status      string     `json:"status,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
}

// Decision records a choice and why it was made.
type Decision struct {
	Question  string `json:"question,omitempty"`
	Choice    string `json:"choice"`
	Rationale string `json:"rationale,omitempty"`
}

// MediumContent holds exactly one payload matching the record kind.
type MediumContent struct {
	Summary  *ConversationSummary `json:"summary,omitempty"`
	Action   *Action              `json:"action,omitempty"`
	Decision *Decision            `json:"decision,omitempty"`
}

// Validate checks that exactly the payload for kind is populated.
func (c MediumContent) Validate(kind MediumKind) error {
	set := 0
	for _, ok := range []bool{c.Summary != nil, c.Action != nil, c.Decision != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return errors.New("content must carry exactly one payload")
	}
	switch kind {
	case KindConversationSummary:
		if c.Summary == nil || strings.TrimSpace(c.Summary.Text) == "" {
			return errors.New("conversation-summary requires summary.text")
		}
	case KindAction:
		if c.Action == nil || strings.TrimSpace(c.Action.Description) == "" {
			return errors.New("action requires action.description")
		}
	case KindDecision:
		if c.Decision == nil || strings.TrimSpace(c.Decision.Choice) == "" {
			return errors.New("decision requires decision.choice")
		}
	default:
		return fmt.Errorf("invalid medium kind %q", kind)
	}
	return nil
}

// Text renders the payload as a single line of prompt text.
func (c MediumContent) Text() string {
	switch {
	case c.Summary != nil:
		return strings.TrimSpace(c.Summary.Text)
	case c.Action != nil:
		s := strings.TrimSpace(c.Action.Description)
		if c.Action.Status != "" {
			s += " (" + c.Action.Status + ")"
		}
		return s
	case c.Decision != nil:
		s := strings.TrimSpace(c.Decision.Choice)
		if c.Decision.Question != "" {
			s = strings.TrimSpace(c.Decision.Question) + ": " + s
		}
		if c.Decision.Rationale != "" {
			s += " because " + strings.TrimSpace(c.Decision.Rationale)
		}
		return s
	}
	return ""
}

// Fact is a standalone statement about the user or their world.
type Fact struct {
	Statement string `json:"statement"`
}

// Preference is a stated like, dislike or default.
type Preference struct {
	Subject string `json:"subject"`
	Value   string `json:"value"`
}

// Skill is a learned procedure or capability.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Relationship links two entities.
type Relationship struct {
	Subject  string `json:"subject"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

// DurableContent holds exactly one payload matching the record kind.
type DurableContent struct {
	Fact         *Fact         `json:"fact,omitempty"`
	Preference   *Preference   `json:"preference,omitempty"`
	Skill        *Skill        `json:"skill,omitempty"`
	Relationship *Relationship `json:"relationship,omitempty"`
}

// Validate checks that exactly the payload for kind is populated.
func (c DurableContent) Validate(kind DurableKind) error {
	set := 0
	for _, ok := range []bool{c.Fact != nil, c.Preference != nil, c.Skill != nil, c.Relationship != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return errors.New("content must carry exactly one payload")
	}
	switch kind {
	case KindFact:
		if c.Fact == nil || strings.TrimSpace(c.Fact.Statement) == "" {
			return errors.New("fact requires fact.statement")
		}
	case KindPreference:
		if c.Preference == nil || strings.TrimSpace(c.Preference.Subject) == "" || strings.TrimSpace(c.Preference.Value) == "" {
			return errors.New("preference requires preference.subject and preference.value")
		}
	case KindSkill:
		if c.Skill == nil || strings.TrimSpace(c.Skill.Name) == "" {
			return errors.New("skill requires skill.name")
		}
	case KindRelationship:
		if c.Relationship == nil || c.Relationship.Subject == "" || c.Relationship.Relation == "" || c.Relationship.Object == "" {
			return errors.New("relationship requires subject, relation and object")
		}
	default:
		return fmt.Errorf("invalid durable kind %q", kind)
	}
	return nil
}

// Text renders the payload as a single line of prompt text.
func (c DurableContent) Text() string {
	switch {
	case c.Fact != nil:
		return strings.TrimSpace(c.Fact.Statement)
	case c.Preference != nil:
		return fmt.Sprintf("prefers %s: %s", strings.TrimSpace(c.Preference.Subject), strings.TrimSpace(c.Preference.Value))
	case c.Skill != nil:
		if c.Skill.Description == "" {
			return strings.TrimSpace(c.Skill.Name)
		}
		return strings.TrimSpace(c.Skill.Name) + ": " + strings.TrimSpace(c.Skill.Description)
	case c.Relationship != nil:
		return strings.Join([]string{c.Relationship.Subject, c.Relationship.Relation, c.Relationship.Object}, " ")
	}
	return ""
}

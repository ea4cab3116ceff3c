// Package tokens provides deterministic token estimators for budget accounting.
package tokens

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Estimator converts text into an approximate token count.
type Estimator interface {
	Estimate(text string) int
}

// Chars estimates ceil(runes / PerToken); PerToken defaults to 4.
type Chars struct {
	PerToken int
}

func (c Chars) Estimate(text string) int {
	per := c.PerToken
	if per <= 0 {
		per = 4
	}
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + per - 1) / per
}

// Words estimates four tokens per three whitespace-separated words.
type Words struct{}

func (Words) Estimate(text string) int {
	n := len(strings.Fields(text))
	if n == 0 {
		return 0
	}
	return (n*4 + 2) / 3
}

// New returns the estimator registered under name.
func New(name string) (Estimator, error) {
	switch name {
	case "", "chars":
		return Chars{PerToken: 4}, nil
	case "words":
		return Words{}, nil
	}
	return nil, fmt.Errorf("unknown token estimator %q", name)
}

// Package filter validates outbound notification text against
// prohibited-content rules. It is pure: no I/O, no stored state.
package filter

import (
	"strings"
	"unicode/utf8"
)

// ContentType identifies what kind of content is being validated.
type ContentType string

const (
	ContentTitle ContentType = "title"
	ContentBody  ContentType = "body"
)

// maxLengths bounds content size per type. Oversized content is treated
// as malformed and rejected.
var maxLengths = map[ContentType]int{
	ContentTitle: 200,
	ContentBody:  5000,
}

// Result is the outcome of a validation check.
type Result struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Filter holds the prohibited-content rules.
type Filter struct {
	prohibited []string
}

// defaultProhibited are substrings that block delivery outright.
var defaultProhibited = []string{
	"violence",
	"harassment",
	"hate speech",
	"self-harm",
	"doxx",
}

// New creates a Filter with the default prohibited terms.
func New() *Filter {
	return &Filter{prohibited: defaultProhibited}
}

// NewWithRules creates a Filter with a custom prohibited-term list.
func NewWithRules(terms []string) *Filter {
	return &Filter{prohibited: terms}
}

// Validate checks content against the rules. Malformed input (unknown
// content type, invalid UTF-8, oversized content) is not allowed:
// validation failures fail closed rather than open.
func (f *Filter) Validate(content string, contentType ContentType) Result {
	var reasons []string

	limit, known := maxLengths[contentType]
	if !known {
		return Result{Allowed: false, Reasons: []string{"unknown content type"}}
	}
	if !utf8.ValidString(content) {
		return Result{Allowed: false, Reasons: []string{"invalid encoding"}}
	}
	if len(content) > limit {
		reasons = append(reasons, "content exceeds maximum length")
	}

	lower := strings.ToLower(content)
	for _, term := range f.prohibited {
		if strings.Contains(lower, term) {
			reasons = append(reasons, "prohibited term: "+term)
		}
	}

	return Result{Allowed: len(reasons) == 0, Reasons: reasons}
}

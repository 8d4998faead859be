// Package guardrails screens prompts before dispatch and responses
// before they reach the caller.
package guardrails

import (
	"context"
	"fmt"
	"regexp"

	dispatcherrors "github.com/learnloop/aidispatch/pkg/errors"
)

// Filter screens request and response content. Implementations return a
// nil error to pass the content through.
type Filter interface {
	CheckPrompt(ctx context.Context, prompt string) error
	CheckResponse(ctx context.Context, content string) error
}

// NopFilter passes everything. Used when guardrails are disabled.
type NopFilter struct{}

func (NopFilter) CheckPrompt(context.Context, string) error   { return nil }
func (NopFilter) CheckResponse(context.Context, string) error { return nil }

// PatternFilter blocks content matching any configured regular
// expression.
type PatternFilter struct {
	patterns []*regexp.Regexp
}

// NewPatternFilter compiles the blocked patterns. Invalid patterns fail
// construction rather than silently passing content through.
func NewPatternFilter(patterns []string) (*PatternFilter, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &PatternFilter{patterns: compiled}, nil
}

func (f *PatternFilter) match(text string) *regexp.Regexp {
	for _, re := range f.patterns {
		if re.MatchString(text) {
			return re
		}
	}
	return nil
}

func (f *PatternFilter) CheckPrompt(_ context.Context, prompt string) error {
	if re := f.match(prompt); re != nil {
		return dispatcherrors.NewValidationError(
			fmt.Sprintf("prompt blocked by content policy (pattern %q)", re.String()))
	}
	return nil
}

func (f *PatternFilter) CheckResponse(_ context.Context, content string) error {
	if re := f.match(content); re != nil {
		return dispatcherrors.NewValidationError(
			fmt.Sprintf("response blocked by content policy (pattern %q)", re.String()))
	}
	return nil
}

// Package trigger holds the process-wide trigger syntax: the assistant's
// display name and the pattern downstream routing matches against.
package trigger

import (
	"fmt"
	"regexp"
	"strings"
)

// Trigger is immutable after New and safe for concurrent use.
type Trigger struct {
	AssistantName string
	Pattern       *regexp.Regexp
}

// DefaultPattern is `(?i)^@<name>\b` with the name quoted.
func DefaultPattern(name string) string {
	return `(?i)^@` + regexp.QuoteMeta(name) + `\b`
}

// New compiles pattern, or the default pattern when it is empty.
func New(assistantName, pattern string) (*Trigger, error) {
	assistantName = strings.TrimSpace(assistantName)
	if assistantName == "" {
		return nil, fmt.Errorf("assistant name is required")
	}
	if pattern == "" {
		pattern = DefaultPattern(assistantName)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile trigger pattern %q: %w", pattern, err)
	}
	return &Trigger{AssistantName: assistantName, Pattern: re}, nil
}

// Token is the canonical trigger token, "@<name> ".
func (t *Trigger) Token() string {
	return "@" + t.AssistantName + " "
}

// Matches reports whether text already addresses the assistant.
func (t *Trigger) Matches(text string) bool {
	return t.Pattern.MatchString(strings.TrimSpace(text))
}

// Rewrite prepends the trigger token to a text in which the platform signalled
// a mention of the bot. Text already matching the pattern is returned unchanged,
// so the token never appears twice.
func (t *Trigger) Rewrite(text string) string {
	if t.Matches(text) {
		return text
	}
	return t.Token() + text
}

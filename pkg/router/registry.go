package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Handler runs a matched command. It returns whether the message was
// handled, a *FailedError for a recoverable failure, or any other error for
// an internal failure.
type Handler func(ctx context.Context, msg *Message, args Args) (bool, error)

// Binding ties a pattern to a handler and the gates guarding it.
type Binding struct {
	Name    string
	Pattern string
	Usage   string
	Handler Handler
	Gates   []Gate
}

type hint struct {
	keyword  string
	reminder string
}

// Builder collects bindings before the registry is frozen.
type Builder struct {
	bindings []Binding
	hints    []hint
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Register appends b. Registration order decides which pattern wins.
func (b *Builder) Register(binding Binding) {
	b.bindings = append(b.bindings, binding)
}

// Hint sends reminder when an unmatched text contains keyword.
func (b *Builder) Hint(keyword, reminder string) {
	b.hints = append(b.hints, hint{keyword: strings.ToLower(keyword), reminder: reminder})
}

// Build compiles every pattern. The returned registry is immutable.
func (b *Builder) Build() (*Registry, error) {
	reg := &Registry{
		entries: make([]entry, 0, len(b.bindings)),
		hints:   append([]hint(nil), b.hints...),
	}
	seen := map[string]bool{}
	var errs []error
	for _, binding := range b.bindings {
		switch {
		case strings.TrimSpace(binding.Name) == "":
			errs = append(errs, fmt.Errorf("binding with pattern %q has no name", binding.Pattern))
			continue
		case seen[binding.Name]:
			errs = append(errs, fmt.Errorf("duplicate binding %q", binding.Name))
			continue
		case binding.Handler == nil:
			errs = append(errs, fmt.Errorf("binding %q has no handler", binding.Name))
			continue
		}
		seen[binding.Name] = true

		re, err := Compile(binding.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("binding %q: %w", binding.Name, err))
			continue
		}
		binding.Gates = append([]Gate(nil), binding.Gates...)
		reg.entries = append(reg.entries, entry{binding: binding, re: re})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return reg, nil
}

// Compile anchors pattern to the whole text, case-insensitively, ignoring
// surrounding whitespace.
func Compile(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, errors.New("empty pattern")
	}
	return regexp.Compile(`(?i)^\s*(?:` + pattern + `)\s*$`)
}

type entry struct {
	binding Binding
	re      *regexp.Regexp
}

// Registry is the frozen, ordered set of bindings.
type Registry struct {
	entries []entry
	hints   []hint
}

// Match returns the first binding whose pattern matches all of text.
func (r *Registry) Match(text string) (Match, bool) {
	for _, e := range r.entries {
		loc := e.re.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		return Match{Binding: e.binding, Args: argsFromIndex(text, loc)}, true
	}
	return Match{}, false
}

// Reminder returns the format reminder for the first hint keyword that
// occurs in text.
func (r *Registry) Reminder(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, h := range r.hints {
		if strings.Contains(lower, h.keyword) {
			return h.reminder, true
		}
	}
	return "", false
}

// Bindings lists the registered bindings in order.
func (r *Registry) Bindings() []Binding {
	out := make([]Binding, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.binding
	}
	return out
}

func (r *Registry) Len() int { return len(r.entries) }

package mctc

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^([a-z]+)$`),                        // Adam
	regexp.MustCompile(`^([a-z]+)\s+([a-z]+)$`),             // Jane Doe
	regexp.MustCompile(`^([a-z]+)\s+[a-z]+\.?\s+([a-z]+)$`), // Mark E. Johnston
	regexp.MustCompile(`^([a-z]+)\s+([a-z]+\-[a-z]+)$`),     // Erica Kochi-Fabian
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

// ParseName splits a reporter's "first last" name and derives the base
// alias: the first initial followed by the last name, lower-cased. A single
// name is its own alias. Names outside the known shapes keep the whole text
// as the first name.
func ParseName(name string) (alias, first, last string) {
	flat := strings.ToLower(strings.Join(strings.Fields(name), " "))
	for _, p := range namePatterns {
		m := p.FindStringSubmatch(flat)
		if m == nil {
			continue
		}
		if len(m) == 2 {
			return m[1], title(m[1]), ""
		}
		return m[1][:1] + m[2], title(m[1]), title(m[2])
	}

	alias = nonAlnum.ReplaceAllString(flat, "")
	if alias == "" {
		alias = "reporter"
	}
	return alias, strings.TrimSpace(name), ""
}

// title upper-cases the first letter of every word and lower-cases the rest.
func title(s string) string {
	return cases.Title(language.Und).String(s)
}

type aliasChecker interface {
	AliasExists(ctx context.Context, alias string) (bool, error)
}

// uniqueAlias appends 1, 2, ... to base until no other reporter holds it.
// keep is the alias already owned by the registering reporter, if any.
func uniqueAlias(ctx context.Context, repo aliasChecker, base, keep string) (string, error) {
	candidate := base
	for n := 1; ; n++ {
		if keep != "" && strings.EqualFold(candidate, keep) {
			return candidate, nil
		}
		taken, err := repo.AliasExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = base + strconv.Itoa(n)
	}
}

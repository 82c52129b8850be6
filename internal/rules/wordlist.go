// Package rules implements the lexical classification rules: curated word
// lists compiled into case-insensitive word-boundary patterns and matched
// against profile text fields.
package rules

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

// Wordlist holds the compiled patterns of one curated list.
type Wordlist struct {
	name     string
	patterns []*regexp.Regexp
}

// LoadTerms reads one term per line from path, stripping leading and
// trailing whitespace and skipping blank lines. A missing file yields no
// terms, logged at warn; the daemon runs with whatever lists exist.
func LoadTerms(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("word list file missing, treating as empty", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("load terms %s: %w", path, err)
	}
	defer f.Close()

	var terms []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		term := strings.TrimSpace(scanner.Text())
		if term == "" {
			continue
		}
		terms = append(terms, term)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load terms %s: %w", path, err)
	}
	return terms, nil
}

// Compile builds a Wordlist from terms. Terms are regex fragments: each is
// wrapped as (?i)\b(?:term)\b, so metacharacters are live. A term that
// fails to compile is logged and skipped rather than aborting startup.
func Compile(name string, terms []string) *Wordlist {
	wl := &Wordlist{name: name}
	for _, term := range terms {
		re, err := regexp.Compile(`(?i)\b(?:` + term + `)\b`)
		if err != nil {
			slog.Warn("word list: skipping unparseable term", "list", name, "term", term, "error", err)
			continue
		}
		wl.patterns = append(wl.patterns, re)
	}
	return wl
}

// LoadWordlist reads and compiles a word list file.
func LoadWordlist(name, path string) (*Wordlist, error) {
	terms, err := LoadTerms(path)
	if err != nil {
		return nil, err
	}
	return Compile(name, terms), nil
}

// Name returns the list's name, used in logs.
func (w *Wordlist) Name() string { return w.name }

// Size returns the number of compiled patterns.
func (w *Wordlist) Size() int { return len(w.patterns) }

// Match reports whether any term appears, bounded by non-word characters,
// in the profile's description, handle, or display name. The description
// participates only when present; the other fields always do.
func (w *Wordlist) Match(p *xrpc.Profile) bool {
	if len(w.patterns) == 0 {
		return false
	}
	fields := make([]string, 0, 3)
	if p.Description != nil {
		fields = append(fields, *p.Description)
	}
	fields = append(fields, p.Handle, p.DisplayName)

	for _, re := range w.patterns {
		for _, field := range fields {
			if field == "" {
				continue
			}
			if re.MatchString(field) {
				return true
			}
		}
	}
	return false
}

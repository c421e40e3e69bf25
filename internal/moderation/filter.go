// Package moderation screens chat text for abusive content and spam. The
// relay can run it inline on every send; the moderator service runs it
// on mirrored events and publishes verdicts.
package moderation

import (
	"strings"
	"unicode"

	"github.com/whisper/relay/internal/chat"
)

// DefaultBlocklist holds the terms blocked by NewFilter: threats, sexual
// solicitation, scam bait and common profanity.
var DefaultBlocklist = []string{
	// threats and self-harm incitement
	"kill yourself",
	"go die",
	"bomb threat",
	"i will find you",
	// solicitation
	"send nudes",
	"child porn",
	// scam bait
	"free bitcoin",
	"gift card code",
	"wire me money",
	"verify your password",
	// profanity
	"fuck",
	"fucking",
	"shit",
	"asshole",
	"bastard",
	"bitch",
}

// FilterResult is the outcome of a Check.
type FilterResult struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"` // "blocked_keyword" or "spam_pattern"
	Term    string `json:"term,omitempty"`   // matched term or spam check name
}

// Filter matches whole words and whole-word phrases, case-insensitively and
// with common leetspeak substitutions undone, then runs the spam checks.
// A Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string // space-joined tokens
}

// NewFilter returns a Filter loaded with DefaultBlocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(DefaultBlocklist)
}

// NewFilterWithTerms returns a Filter for the given terms. Blank terms are
// ignored; terms with several words become phrases.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenizePlain(strings.ToLower(term))
		switch len(tokens) {
		case 0:
			continue
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, strings.Join(tokens, " "))
		}
	}
	return f
}

// Check screens text under the user spam rules, the strictest policy.
func (f *Filter) Check(text string) FilterResult {
	return f.CheckFrom(chat.RoleUser, text)
}

// CheckFrom screens text sent by sender. The first match wins: keywords,
// then phrases, then the sender's spam rules.
func (f *Filter) CheckFrom(sender chat.Role, text string) FilterResult {
	if strings.TrimSpace(text) == "" {
		return FilterResult{}
	}
	lower := strings.ToLower(text)

	plain := tokenizePlain(lower)
	leet := make([]string, 0, len(plain))
	for _, tok := range tokenizeLeet(lower) {
		leet = append(leet, tokenizePlain(normalizeLeet(tok))...)
	}

	for _, tokens := range [][]string{plain, leet} {
		for _, tok := range tokens {
			if _, ok := f.words[tok]; ok {
				return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: tok}
			}
		}
	}

	for _, tokens := range [][]string{plain, leet} {
		joined := " " + strings.Join(tokens, " ") + " "
		for _, phrase := range f.phrases {
			if strings.Contains(joined, " "+phrase+" ") {
				return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: phrase}
			}
		}
	}

	return RulesFor(sender).check(text)
}

// Screen reports whether text from sender must be rejected and the term
// that matched.
func (f *Filter) Screen(sender chat.Role, text string) (bool, string) {
	r := f.CheckFrom(sender, text)
	return r.Blocked, r.Term
}

var leetReplacer = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
	"!", "i",
)

// normalizeLeet undoes common character substitutions.
func normalizeLeet(s string) string {
	return leetReplacer.Replace(s)
}

// tokenizePlain splits s into runs of letters and digits.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits s on whitespace, keeping the symbols that stand in
// for letters. Surrounding punctuation other than those symbols is trimmed.
func tokenizeLeet(s string) []string {
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune("@$!", r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

package moderation

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/whisper/relay/internal/chat"
)

var (
	// urlPattern matches http(s) and www. URLs, and bare domains followed
	// by a path. The path requirement keeps "v2.0" and "3.14" clean.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches +1-555-123-4567, (555) 123-4567, 555.123.4567
	// and similar, bounded by whitespace so short numbers pass.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// SpamRules selects the spam checks applied to one participant.
type SpamRules struct {
	Links        bool // reject URLs
	PhoneNumbers bool // reject phone numbers
	CharFlood    int  // run of one character that counts as flooding, 0 disables
	WordFlood    int  // consecutive repeats of one word, 0 disables
}

// UserSpamRules is the policy for the user side of a chat.
func UserSpamRules() SpamRules {
	return SpamRules{Links: true, PhoneNumbers: true, CharFlood: 5, WordFlood: 3}
}

// AgentSpamRules is the policy for agents. Agents hand out help links and
// callback numbers, so only flooding is checked.
func AgentSpamRules() SpamRules {
	return SpamRules{CharFlood: 5, WordFlood: 3}
}

// RulesFor returns the spam policy for role.
func RulesFor(role chat.Role) SpamRules {
	if role == chat.RoleAgent {
		return AgentSpamRules()
	}
	return UserSpamRules()
}

// check returns a blocking result for the first rule text violates, in the
// order links, phone numbers, character flood, word flood.
func (r SpamRules) check(text string) FilterResult {
	switch {
	case r.Links && urlPattern.MatchString(text):
		return spamResult("url")
	case r.PhoneNumbers && phonePattern.MatchString(text):
		return spamResult("phone")
	case r.CharFlood > 0 && hasCharFlood(text, r.CharFlood):
		return spamResult("char_flood")
	case r.WordFlood > 0 && hasWordFlood(text, r.WordFlood):
		return spamResult("word_flood")
	}
	return FilterResult{}
}

func spamResult(check string) FilterResult {
	return FilterResult{Blocked: true, Reason: "spam_pattern", Term: check}
}

// hasCharFlood reports a run of at least n identical runes. RE2 has no
// backreferences, hence the scan.
func hasCharFlood(text string, n int) bool {
	run := 0
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			run++
		} else {
			run = 1
			prev = r
		}
		if run >= n {
			return true
		}
	}
	return false
}

// hasWordFlood reports the same whitespace-delimited word repeated at least
// n times in a row, ignoring case.
func hasWordFlood(text string, n int) bool {
	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < n {
		return false
	}

	run := 0
	prev := ""
	for _, w := range words {
		w = strings.ToLower(w)
		if w == prev {
			run++
		} else {
			run = 1
			prev = w
		}
		if run >= n {
			return true
		}
	}
	return false
}

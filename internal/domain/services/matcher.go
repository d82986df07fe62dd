package services

import "strings"

// Substitution is a literal token swap applied to codes before matching. It
// covers one commonly mistyped brand token.
type Substitution struct {
	From string
	To   string
}

// DefaultSubstitution accepts TICTOK where the code says TIKTOK
var DefaultSubstitution = Substitution{From: "TICTOK", To: "TIKTOK"}

// Matcher decides whether bio text contains one of the accepted codes
type Matcher struct {
	sub Substitution
}

// NewMatcher creates a matcher with the given substitution. A zero
// Substitution disables the typo form.
func NewMatcher(sub Substitution) *Matcher {
	return &Matcher{sub: Substitution{
		From: strings.ToUpper(sub.From),
		To:   strings.ToUpper(sub.To),
	}}
}

// Match returns the first candidate found in bio. Candidates are tried in
// order; the comparison is a case-insensitive substring search.
func (m *Matcher) Match(bio string, candidates []string) (string, bool) {
	text := strings.ToUpper(bio)
	for _, code := range candidates {
		if code == "" {
			continue
		}
		upper := strings.ToUpper(code)
		if strings.Contains(text, upper) {
			return code, true
		}
		if alt, ok := m.substituted(upper); ok && strings.Contains(text, alt) {
			return code, true
		}
	}
	return "", false
}

// substituted applies the substitution to a code in both directions, so a
// code carrying either form matches a bio carrying the other
func (m *Matcher) substituted(code string) (string, bool) {
	if m.sub.From == "" || m.sub.To == "" {
		return "", false
	}
	switch {
	case strings.Contains(code, m.sub.To):
		return strings.ReplaceAll(code, m.sub.To, m.sub.From), true
	case strings.Contains(code, m.sub.From):
		return strings.ReplaceAll(code, m.sub.From, m.sub.To), true
	}
	return "", false
}

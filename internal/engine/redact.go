package engine

import (
	"regexp"
	"sort"
	"strings"
)

// Redacted replaces every credential found in a string.
const Redacted = "[REDACTED]"

var secretPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)((?:api[_-]?key|x-api-key|authorization)["']?\s*[:=]\s*["']?)[^\s"'&,}]+`), "${1}" + Redacted},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}`), Redacted},
	{regexp.MustCompile(`\bgsk_[A-Za-z0-9]{16,}`), Redacted},
}

// Redactor strips configured secret values and well-known key shapes from
// text. The zero value only applies the patterns.
type Redactor struct {
	secrets []string
}

// NewRedactor returns a Redactor for secrets. Values shorter than four
// characters are ignored.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	return r.With(secrets...)
}

// With returns a copy that also redacts secrets.
func (r *Redactor) With(secrets ...string) *Redactor {
	out := &Redactor{}
	if r != nil {
		out.secrets = append(out.secrets, r.secrets...)
	}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if len(s) >= 4 {
			out.secrets = append(out.secrets, s)
		}
	}
	// Longest first so a secret containing another is removed whole.
	sort.Slice(out.secrets, func(i, j int) bool { return len(out.secrets[i]) > len(out.secrets[j]) })
	return out
}

// Redact returns s with every secret replaced.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	if r != nil {
		for _, secret := range r.secrets {
			s = strings.ReplaceAll(s, secret, Redacted)
		}
	}
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

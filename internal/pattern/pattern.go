// Package pattern implements the glob grammar of spec.md §4.6: `*`
// matches zero or more of any byte including `/`, `?` matches exactly
// one byte, every other byte is literal. Matching itself is delegated to
// github.com/gobwas/glob (syncthing-syncthing/go.mod) compiled with no
// separator runes — gobwas/glob's default behavior already treats `/`
// as an ordinary byte, which is exactly this grammar (it's why
// syncthing itself had to fork to calmh/glob for *path-aware* matching,
// and why this module uses the un-forked upstream instead).
package pattern

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/waldb/waldb/internal/utils"
)

// Matcher tests keys against a compiled pattern and knows the maximal
// literal prefix before the first `*`/`?`, used to bound range scans.
type Matcher struct {
	g       glob.Glob
	pattern string
	prefix  string
}

// Compile parses pattern into a Matcher. The bytes gobwas/glob would
// otherwise read as syntax (`\`, `[`, `]`, `{`, `}`) are escaped first,
// so only `*` and `?` act as wildcards.
func Compile(pattern string) (*Matcher, error) {
	var quoted strings.Builder
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '\\', '[', ']', '{', '}':
			quoted.WriteByte('\\')
			quoted.WriteByte(c)
		default:
			quoted.WriteByte(c)
		}
	}
	g, err := glob.Compile(quoted.String())
	if err != nil {
		return nil, err
	}
	return &Matcher{g: g, pattern: pattern, prefix: literalPrefix(pattern)}, nil
}

// Match reports whether key satisfies the pattern.
func (m *Matcher) Match(key string) bool {
	return m.g.Match(key)
}

// LiteralPrefix is the longest run of literal bytes before the first
// `*` or `?` in the source pattern. An empty result means the pattern
// starts with a wildcard and no range lower bound can be derived.
func (m *Matcher) LiteralPrefix() string {
	return m.prefix
}

// Bounds derives a [start, end) range that is guaranteed to contain
// every key the pattern can match, from the literal prefix alone. ok is
// false when no useful bound exists (pattern starts with a wildcard, or
// the prefix is all 0xFF bytes so no finite upper bound exists); callers
// should fall back to scanning every segment in that case. This is a
// scan-reduction optimization only — correctness never depends on it,
// per spec.md §4.6 ("Correctness, not speed, is the primary
// requirement").
func (m *Matcher) Bounds() (start, end string, ok bool) {
	if m.prefix == "" {
		return "", "", false
	}
	next, hasNext := utils.NextPrefix(m.prefix)
	if !hasNext {
		return m.prefix, "", false
	}
	return m.prefix, next, true
}

func literalPrefix(pattern string) string {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' || pattern[i] == '?' {
			return pattern[:i]
		}
	}
	return pattern
}

package chat

import "strings"

// IdeographicSpace is the canonical full-width space, U+3000.
const IdeographicSpace = "\u3000"

// escapedIdeographicSpace is the six-byte literal some local models emit in
// place of the character itself.
const escapedIdeographicSpace = `\u3000`

var ideographicSpaceReplacer = strings.NewReplacer(escapedIdeographicSpace, IdeographicSpace)

// NormalizeIdeographicSpace rewrites full-width spaces in s to the canonical
// U+3000 character. The escaped form is rewritten only when it accounts for
// every backslash in s; a reply carrying any other escape (code samples,
// paths) is left as written. Applying it twice is the same as applying it
// once.
func NormalizeIdeographicSpace(s string) string {
	escapes := strings.Count(s, escapedIdeographicSpace)
	if escapes == 0 || strings.Count(s, `\`) != escapes {
		return s
	}
	return ideographicSpaceReplacer.Replace(s)
}

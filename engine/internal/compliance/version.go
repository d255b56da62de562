package compliance

import (
	"regexp"
	"strconv"
	"strings"
)

var versionToken = regexp.MustCompile(`[0-9]+|[A-Za-z]+`)

// versionInText finds the first token that looks like a version number inside a
// free-form software string ("Cisco IOS Software, Version 15.2(4)E7, RELEASE").
var versionInText = regexp.MustCompile(`(?i)(?:version\s+)?([0-9]+(?:[.()][0-9A-Za-z-]+)+)`)

func extractVersion(s string) string {
	if i := strings.Index(strings.ToLower(s), "version "); i >= 0 {
		s = s[i:]
	}
	m := versionInText.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

// CompareVersions compares dotted/parenthesised vendor versions segment by
// segment: numeric runs numerically, alphabetic runs lexically. A version that is
// a prefix of another sorts first. Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	ta := versionToken.FindAllString(a, -1)
	tb := versionToken.FindAllString(b, -1)
	for i := 0; i < len(ta) && i < len(tb); i++ {
		na, errA := strconv.Atoi(ta[i])
		nb, errB := strconv.Atoi(tb[i])
		switch {
		case errA == nil && errB == nil:
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
		case errA == nil:
			// numbers sort after letters: 15.2(7) > 15.2(E)
			return 1
		case errB == nil:
			return -1
		default:
			if c := strings.Compare(strings.ToLower(ta[i]), strings.ToLower(tb[i])); c != 0 {
				return c
			}
		}
	}
	switch {
	case len(ta) < len(tb):
		return -1
	case len(ta) > len(tb):
		return 1
	}
	return 0
}

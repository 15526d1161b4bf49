package dispatch

import (
	"strconv"
	"strings"
)

// versionLess reports whether a sorts before b under dotted numeric
// comparison. Non-numeric segments compare as zero; an empty version is
// treated as older than anything.
func versionLess(a, b string) bool {
	if a == b {
		return false
	}
	if a == "" {
		return true
	}
	if b == "" {
		return false
	}
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av = numericPrefix(as[i])
		}
		if i < len(bs) {
			bv = numericPrefix(bs[i])
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

func numericPrefix(segment string) int {
	end := 0
	for end < len(segment) && segment[end] >= '0' && segment[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	value, err := strconv.Atoi(segment[:end])
	if err != nil {
		return 0
	}
	return value
}

package util

import "strconv"

// IsStringInList reports whether str occurs in list.
func IsStringInList(str string, list []string) bool {
	for _, s := range list {
		if s == str {
			return true
		}
	}
	return false
}

// IntsToString renders ints as a JSON-free "a,b,c" list.
func IntsToString(ints []int32) string {
	out := ""
	for i, n := range ints {
		if i > 0 {
			out += ","
		}
		out += strconv.Itoa(int(n))
	}
	return out
}

package router

import "strings"

// Match returns the longest endpoint prefix that path falls under. A path
// matches a prefix when it equals it or continues with a single trailing
// separator ('/' or '\').
//
// path is a decoded URL path without a query. A '?' in it came from an
// escaped %3F and is part of the path, not a query boundary.
func Match(endpoints []string, path string) (string, bool) {
	best := ""
	found := false
	for _, prefix := range endpoints {
		if !matches(prefix, path) {
			continue
		}
		if !found || len(prefix) > len(best) {
			best = prefix
			found = true
		}
	}
	return best, found
}

func matches(prefix, path string) bool {
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return false
	}
	return rest == "" || rest == "/" || rest == `\`
}

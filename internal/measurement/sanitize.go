package measurement

import "regexp"

var (
	// a number followed by a unit suffix, terminated by a field or object end
	unitSuffix = regexp.MustCompile(`([-+]?[0-9]*\.?[0-9]+)[^\s,}]*([,}])`)
	bareKey    = regexp.MustCompile(`(\w+):`)
)

// SanitizeText turns the loose "{x: 1.02g, y: -0.1g}" rendering some producers
// emit into JSON-ish "{"x": 1.02, "y": -0.1}" by dropping unit suffixes and
// quoting bare keys.
func SanitizeText(s string) string {
	s = unitSuffix.ReplaceAllString(s, "$1$2")
	return bareKey.ReplaceAllString(s, `"$1":`)
}

package extract

import "regexp"

var piiPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"email", regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.-]+`)},
	{"phone", regexp.MustCompile(`\b\+?\d[\d\-() ]{7,}\b`)},
}

// DetectPII counts likely e-mail addresses and phone numbers in text.
// Only kinds with at least one match appear in the result.
func DetectPII(text string) map[string]int {
	found := map[string]int{}
	for _, p := range piiPatterns {
		if n := len(p.re.FindAllStringIndex(text, -1)); n > 0 {
			found[p.name] = n
		}
	}
	return found
}

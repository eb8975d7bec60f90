package evaluator

import "strings"

// OutputMatches compares program output with the expected answer. Trailing
// spaces, tabs and carriage returns on each line are ignored, as are
// trailing blank lines. There is no numeric tolerance.
func OutputMatches(got, want string) bool {
	return normalize(got) == normalize(want)
}

func normalize(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

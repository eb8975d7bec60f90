package evaluator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"judgecore/internal/judge/model"
	"judgecore/internal/judge/sandbox"
)

const maxErrorText = 4 << 10

// Classify maps one execution to a verdict. The first matching rule wins:
// CE, TLE, MLE, RE, WA, AC. The second return is the error text stored on
// the case result, empty for AC and WA.
func Classify(res sandbox.ExecuteResult, limits model.Limits, expected string) (model.Verdict, string) {
	switch {
	case res.CompileFailed:
		return model.VerdictCE, truncate(res.CompileOutput, maxErrorText)
	case res.TimeExceeded || (limits.TimeLimitMs > 0 && res.TimeUsedMs > limits.TimeLimitMs):
		return model.VerdictTLE, fmt.Sprintf("time limit %d ms exceeded", limits.TimeLimitMs)
	case res.MemoryExceeded || (limits.MemoryLimitKB > 0 && res.MemoryUsedKB > limits.MemoryLimitKB):
		return model.VerdictMLE, fmt.Sprintf("memory limit %d KB exceeded", limits.MemoryLimitKB)
	case res.OutputExceeded || (limits.OutputLimitKB > 0 && int64(len(res.Stdout)) > limits.OutputLimitKB*1024):
		return model.VerdictRE, "output limit exceeded"
	case res.Signalled:
		return model.VerdictRE, "killed by signal"
	case res.ExitStatus != 0:
		return model.VerdictRE, fmt.Sprintf("exit status %d", res.ExitStatus)
	case !OutputMatches(res.Stdout, expected):
		return model.VerdictWA, ""
	default:
		return model.VerdictAC, ""
	}
}

// truncate cuts s to at most n bytes on a rune boundary. Invalid UTF-8
// from the program is replaced, since the text ends up in a TEXT column.
func truncate(s string, n int) string {
	if len(s) > n {
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}

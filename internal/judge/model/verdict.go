package model

// Verdict is the closed set of per-case outcomes.
type Verdict string

const (
	VerdictAC  Verdict = "AC"
	VerdictWA  Verdict = "WA"
	VerdictRE  Verdict = "RE"
	VerdictCE  Verdict = "CE"
	VerdictTLE Verdict = "TLE"
	VerdictMLE Verdict = "MLE"
	VerdictIE  Verdict = "IE"
)

// precedence orders non-AC verdicts for the aggregate result code.
var precedence = map[Verdict]int{
	VerdictAC:  0,
	VerdictWA:  1,
	VerdictRE:  2,
	VerdictMLE: 3,
	VerdictTLE: 4,
	VerdictCE:  5,
	VerdictIE:  6,
}

// Valid reports whether v is one of the known verdicts.
func (v Verdict) Valid() bool {
	_, ok := precedence[v]
	return ok
}

// Precedence ranks v; higher wins when aggregating.
func (v Verdict) Precedence() int {
	return precedence[v]
}

// AggregateVerdict is AC when every verdict is AC (or there are none), otherwise
// the highest-precedence verdict: IE > CE > TLE > MLE > RE > WA.
func AggregateVerdict(verdicts []Verdict) Verdict {
	worst := VerdictAC
	for _, v := range verdicts {
		if v.Precedence() > worst.Precedence() {
			worst = v
		}
	}
	return worst
}

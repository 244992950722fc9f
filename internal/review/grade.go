package review

import "strings"

// Grade is the user's assessment of recall quality for a single review.
type Grade string

const (
	GradeAgain Grade = "again"
	GradeHard  Grade = "hard"
	GradeGood  Grade = "good"
	GradeEasy  Grade = "easy"
)

// easeDelta maps each grade to its ease factor adjustment.
var easeDelta = map[Grade]float64{
	GradeAgain: -0.2,
	GradeHard:  -0.15,
	GradeGood:  0.0,
	GradeEasy:  0.15,
}

// ParseGrade normalizes a raw grade token. Unrecognized tokens fall back
// to GradeGood, which carries a neutral ease adjustment; a malformed
// grade must never abort a review that the user already performed.
func ParseGrade(raw string) Grade {
	grade := Grade(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := easeDelta[grade]; !ok {
		return GradeGood
	}
	return grade
}

// IsValid reports whether the grade is one of the four recognized tokens.
func (g Grade) IsValid() bool {
	_, ok := easeDelta[g]
	return ok
}

// String returns the lowercase grade token.
func (g Grade) String() string {
	return string(g)
}

// EaseDelta returns the ease factor adjustment for the grade. Unrecognized
// grades adjust by zero, mirroring ParseGrade's fallback.
func (g Grade) EaseDelta() float64 {
	return easeDelta[g]
}

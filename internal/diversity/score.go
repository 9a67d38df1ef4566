// Package diversity measures how varied a population of candidates is and raises a
// collapse signal when it stays homogeneous for too long.
package diversity

import (
	"math"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// Member is one candidate of a generation as seen by the monitor.
type Member struct {
	CandidateID uuid.UUID
	Features    []string
	Sharpe      *float64
	MaxDrawdown *float64
}

// Axes are the per-axis readings of a score. A nil axis could not be computed.
type Axes struct {
	FactorDistance *float64 `json:"factor_distance,omitempty"`
	RiskDispersion *float64 `json:"risk_dispersion,omitempty"`
}

var identifierRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// stopwords are identifiers every candidate shares.
var stopwords = map[string]bool{
	"def": true, "class": true, "return": true, "import": true, "from": true, "as": true,
	"if": true, "elif": true, "else": true, "for": true, "while": true, "in": true,
	"and": true, "or": true, "not": true, "is": true, "none": true, "true": true,
	"false": true, "self": true, "lambda": true, "with": true, "try": true,
	"except": true, "pass": true, "print": true, "np": true, "pd": true,
}

// Features returns the feature set of a candidate: its declared factors, or the
// identifier tokens of its code when it declares none.
func Features(factors []string, code string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	if len(factors) > 0 {
		for _, f := range factors {
			add(f)
		}
		return out
	}
	for _, tok := range identifierRe.FindAllString(code, -1) {
		if len(tok) < 2 || stopwords[strings.ToLower(tok)] {
			continue
		}
		add(tok)
	}
	return out
}

// MembersFromSnapshot builds members from a snapshot. A record's stored feature set is
// used as is; records written without one fall back to their declared factors.
func MembersFromSnapshot(snap domain.PopulationSnapshot) []Member {
	members := make([]Member, 0, snap.Size())
	for _, rec := range snap.Records {
		features := rec.Candidate.Features
		if len(features) == 0 {
			features = Features(rec.Candidate.Factors, "")
		}
		members = append(members, Member{
			CandidateID: rec.Candidate.ID,
			Features:    features,
			Sharpe:      rec.Metrics.SharpeRatio,
			MaxDrawdown: rec.Metrics.MaxDrawdown,
		})
	}
	return members
}

// Score returns the diversity of members in [0, 1] as the mean of the available axes,
// and false when no axis could be computed (fewer than two members).
func Score(members []Member) (float64, Axes, bool) {
	var axes Axes
	var readings []float64

	if d, ok := factorDistance(members); ok {
		axes.FactorDistance = domain.Float(d)
		readings = append(readings, d)
	}
	if d, ok := riskDispersion(members); ok {
		axes.RiskDispersion = domain.Float(d)
		readings = append(readings, d)
	}
	if len(readings) == 0 {
		return 0, axes, false
	}
	return stat.Mean(readings, nil), axes, true
}

// factorDistance is the mean pairwise Jaccard distance of the members' feature sets.
func factorDistance(members []Member) (float64, bool) {
	if len(members) < 2 {
		return 0, false
	}
	sets := make([]map[string]bool, len(members))
	for i, m := range members {
		sets[i] = make(map[string]bool, len(m.Features))
		for _, f := range m.Features {
			sets[i][f] = true
		}
	}

	total, pairs := 0.0, 0
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			total += jaccardDistance(sets[i], sets[j])
			pairs++
		}
	}
	return total / float64(pairs), true
}

func jaccardDistance(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return 1 - float64(inter)/float64(union)
}

// riskDispersion squashes the coefficients of variation of sharpe and max drawdown
// into [0, 1) and averages the available ones.
func riskDispersion(members []Member) (float64, bool) {
	var sharpes, drawdowns []float64
	for _, m := range members {
		if m.Sharpe != nil {
			sharpes = append(sharpes, *m.Sharpe)
		}
		if m.MaxDrawdown != nil {
			drawdowns = append(drawdowns, *m.MaxDrawdown)
		}
	}

	var parts []float64
	for _, xs := range [][]float64{sharpes, drawdowns} {
		if cv, ok := coefficientOfVariation(xs); ok {
			parts = append(parts, squash(cv))
		}
	}
	if len(parts) == 0 {
		return 0, false
	}
	return stat.Mean(parts, nil), true
}

// squash maps [0, +Inf] onto [0, 1].
func squash(x float64) float64 {
	if math.IsInf(x, 1) {
		return 1
	}
	return x / (1 + x)
}

// coefficientOfVariation is std/|mean|. A zero mean with any spread counts as
// maximal dispersion.
func coefficientOfVariation(xs []float64) (float64, bool) {
	if len(xs) < 2 {
		return 0, false
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if std == 0 {
		return 0, true
	}
	if math.Abs(mean) < 1e-12 {
		return math.Inf(1), true
	}
	return std / math.Abs(mean), true
}

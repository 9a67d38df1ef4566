// Package classifier assigns ordinal quality levels to executions and batches.
//
// All threshold comparisons use integer arithmetic so that boundary cases such as
// exactly 60% coverage or exactly 40% profitable members are decided exactly.
package classifier

import (
	"fmt"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// Coverage threshold: present/possible >= 3/5.
const (
	coverageNum = 3
	coverageDen = 5
)

// Batch profitability threshold: profitable/members >= 2/5.
const (
	profitableNum = 2
	profitableDen = 5
)

// coveragePasses reports whether present/possible >= 60%.
func coveragePasses(present, possible int) bool {
	if possible <= 0 {
		return false
	}
	return present*coverageDen >= possible*coverageNum
}

// Classify assigns a level to one execution:
// FAILED when it did not succeed, EXECUTED when fewer than 60% of the core metrics are
// present, VALID_METRICS when coverage passes but sharpe is missing or not positive,
// and PROFITABLE when coverage passes and sharpe > 0.
func Classify(res *domain.ExecutionResult, metrics *domain.StrategyMetrics) domain.ClassificationResult {
	if res == nil || !res.Success {
		reason := "execution failed"
		if res != nil && res.ErrorKind != domain.ErrorKindNone {
			reason = "execution failed: " + res.ErrorKind.String()
		}
		return domain.ClassificationResult{Level: domain.LevelFailed, Reason: reason}
	}

	present := metrics.CorePresent()
	ratio := float64(present) / float64(domain.CoreMetricCount)

	if !coveragePasses(present, domain.CoreMetricCount) {
		return domain.ClassificationResult{
			Level:         domain.LevelExecuted,
			CoverageRatio: ratio,
			Reason:        fmt.Sprintf("metric coverage %d/%d below 60%%", present, domain.CoreMetricCount),
		}
	}

	sharpe, ok := metrics.Sharpe()
	switch {
	case !ok:
		return domain.ClassificationResult{
			Level:         domain.LevelValidMetrics,
			CoverageRatio: ratio,
			Reason:        "sharpe ratio not available",
		}
	case sharpe <= 0:
		return domain.ClassificationResult{
			Level:         domain.LevelValidMetrics,
			CoverageRatio: ratio,
			Reason:        fmt.Sprintf("sharpe ratio %.4f is not positive", sharpe),
		}
	default:
		return domain.ClassificationResult{
			Level:         domain.LevelProfitable,
			CoverageRatio: ratio,
			Reason:        fmt.Sprintf("sharpe ratio %.4f", sharpe),
		}
	}
}

// Member is one execution of a batch.
type Member struct {
	Execution *domain.ExecutionResult
	Metrics   *domain.StrategyMetrics
}

// ClassifyBatch assigns a level to a group of executions. The batch is FAILED when no
// member executed, PROFITABLE when at least 40% of all members are individually
// profitable, VALID_METRICS when the pooled metric coverage of the executed members
// reaches 60%, and EXECUTED otherwise.
func ClassifyBatch(members []Member) domain.BatchClassification {
	out := domain.BatchClassification{
		Members:     len(members),
		LevelCounts: make(map[domain.SuccessLevel]int, 4),
		PerMember:   make([]domain.ClassificationResult, 0, len(members)),
	}

	present, possible := 0, 0
	for _, m := range members {
		c := Classify(m.Execution, m.Metrics)
		out.PerMember = append(out.PerMember, c)
		out.LevelCounts[c.Level]++

		if c.Level >= domain.LevelExecuted {
			out.Successful++
			present += m.Metrics.CorePresent()
			possible += domain.CoreMetricCount
		}
		if c.Level == domain.LevelProfitable {
			out.Profitable++
		}
	}

	if len(members) == 0 {
		out.Level = domain.LevelFailed
		out.Reason = "empty batch"
		return out
	}

	out.ProfitabilityRatio = float64(out.Profitable) / float64(out.Members)
	if possible > 0 {
		out.CoverageRatio = float64(present) / float64(possible)
	}

	switch {
	case out.Successful == 0:
		out.Level = domain.LevelFailed
		out.Reason = "no member executed successfully"
	case out.Profitable*profitableDen >= out.Members*profitableNum:
		out.Level = domain.LevelProfitable
		out.Reason = fmt.Sprintf("%d/%d members profitable", out.Profitable, out.Members)
	case coveragePasses(present, possible):
		out.Level = domain.LevelValidMetrics
		out.Reason = fmt.Sprintf("%d/%d members profitable, below 40%%", out.Profitable, out.Members)
	default:
		out.Level = domain.LevelExecuted
		out.Reason = fmt.Sprintf("pooled metric coverage %d/%d below 60%%", present, possible)
	}

	return out
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

func TestRecordIteration(t *testing.T) {
	r := NewRegistry()

	r.RecordIteration(&domain.IterationRecord{
		Execution:      domain.ExecutionResult{Success: true, ExecutionTime: 2 * time.Second},
		Classification: domain.ClassificationResult{Level: domain.LevelProfitable},
		Validation:     &domain.ValidationReport{Passed: true, PValue: 0.001},
	})
	r.RecordIteration(&domain.IterationRecord{
		Execution:      domain.ExecutionResult{ErrorKind: domain.ErrorKindTimeout, ExecutionTime: time.Minute},
		Classification: domain.ClassificationResult{Level: domain.LevelFailed},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.Iterations.WithLabelValues("PROFITABLE", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Iterations.WithLabelValues("FAILED", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Validations.WithLabelValues("passed")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.ExecutionDuration))
}

func TestRecordChampionAndDiversity(t *testing.T) {
	r := NewRegistry()

	r.RecordChampion(1.2, true, 0)
	r.RecordChampion(0.9, false, 3)
	assert.Equal(t, 1.2, testutil.ToFloat64(r.ChampionSharpe))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ChampionUpdates))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.StaleIterations))

	r.RecordDiversity(0.05, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.DiversityCollapse))
	r.RecordDiversity(0.4, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.DiversityCollapse))
	assert.Equal(t, 0.4, testutil.ToFloat64(r.DiversityScore))

	r.RecordSearchMode(domain.SearchModeExplore)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SearchMode.WithLabelValues("explore")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.SearchMode.WithLabelValues("exploit")))
}

func TestTrackSandbox(t *testing.T) {
	r := NewRegistry()
	done := r.TrackSandbox()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SandboxesInFlight))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(r.SandboxesInFlight))
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.RecordChampion(1.5, true, 0)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "evolver_champion_sharpe 1.5")
}

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordRun("success")
	m.RecordPhase(domain.PhaseVerify, false, 2*time.Second)
	m.RecordPhase(domain.PhaseVerify, true, time.Second)
	m.RecordDiagnosis(&domain.Diagnosis{Confidence: domain.ConfidenceHigh})
	m.RecordAutoFix(domain.PhaseVerify)
	m.SetPoolUsage(3, 15)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhaseAttempts.WithLabelValues("verify", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhaseAttempts.WithLabelValues("verify", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Diagnoses.WithLabelValues("high", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AutoFixes.WithLabelValues("verify")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PoolSlotsInUse))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.PoolSize))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordRun("failed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `adw_runs_total{outcome="failed"} 1`)
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RecordRun("success")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RunsTotal.WithLabelValues("success")))
}

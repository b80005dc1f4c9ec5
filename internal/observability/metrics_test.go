package observability

import (
	"testing"
	"time"

	"github.com/danmuck/pairctl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("pairctl", "GET", "/health", 200, 12*time.Millisecond)
	RecordWorkerAttempt(137, true, 2*time.Second)
	RecordPairingResult("pairing", "waiting")

	before := testutil.ToFloat64(sessionTransitions.WithLabelValues("INIT", "CONNECTING"))
	RecordSessionTransition("INIT", "CONNECTING")
	after := testutil.ToFloat64(sessionTransitions.WithLabelValues("INIT", "CONNECTING"))
	assert.Equal(t, before+1, after)

	SetActiveSessions(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(sessionsActive))
}

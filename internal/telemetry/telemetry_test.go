package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreLabelled(t *testing.T) {
	before := testutil.ToFloat64(CheckpointRejections.WithLabelValues("TASK_LOCKED"))
	CheckpointRejections.WithLabelValues("TASK_LOCKED").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CheckpointRejections.WithLabelValues("TASK_LOCKED")))

	publish := testutil.ToFloat64(AuditFailures.WithLabelValues("publish"))
	AuditFailures.WithLabelValues("append").Inc()
	assert.Equal(t, publish, testutil.ToFloat64(AuditFailures.WithLabelValues("publish")))
}

func TestInitTracerWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "custody-test", "")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()
}

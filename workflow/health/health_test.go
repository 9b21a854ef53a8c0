package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runloop-dev/runloop/workflow/config"
	"github.com/runloop-dev/runloop/workflow/health"
	queueinmem "github.com/runloop-dev/runloop/workflow/queue/inmem"
)

func TestCheckReportsHealthyWhenRegistered(t *testing.T) {
	q := queueinmem.New()
	defer q.Close()

	svc := health.NewService(q, config.Default())
	_, err := svc.Register()
	require.NoError(t, err)

	result := svc.Check(context.Background(), health.EndpointWorkflow, time.Second)
	require.True(t, result.Healthy)
	require.Empty(t, result.Error)
}

func TestCheckBothReportsBothEndpoints(t *testing.T) {
	q := queueinmem.New()
	defer q.Close()

	svc := health.NewService(q, config.Default())
	_, err := svc.Register()
	require.NoError(t, err)

	results := svc.CheckBoth(context.Background(), time.Second)
	require.Len(t, results, 2)
	for _, r := range results {
		require.True(t, r.Healthy)
	}
}

func TestCheckTimesOutWhenNoHandlerRegistered(t *testing.T) {
	q := queueinmem.New()
	defer q.Close()

	svc := health.NewService(q, config.Default())

	start := time.Now()
	result := svc.Check(context.Background(), health.EndpointStep, 50*time.Millisecond)
	require.False(t, result.Healthy)
	require.Equal(t, "timeout", result.Error)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/hyperasset/internal/domain"
)

type captureEvents struct {
	events []domain.Event
}

func (c *captureEvents) Dispatch(ctx context.Context, ev domain.Event) (int, error) {
	c.events = append(c.events, ev)
	return 1, nil
}

func staticTargets(targets ...WorkerTarget) Targets {
	return func(ctx context.Context) ([]WorkerTarget, error) {
		return targets, nil
	}
}

func TestCheckSignal_Run_PulsesEveryTarget(t *testing.T) {
	var hits atomic.Int32
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/check-schedule", r.URL.Path)
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"executed": true, "message": "ok"}`))
	}))
	defer worker.Close()

	cs := NewCheckSignal(staticTargets(
		WorkerTarget{Service: domain.ServiceNews, URL: worker.URL},
		WorkerTarget{Service: domain.ServiceChart, URL: worker.URL},
	), &captureEvents{}, time.UTC, zerolog.Nop())

	require.NoError(t, cs.Run())
	assert.Equal(t, int32(2), hits.Load())
}

func TestCheckSignal_Run_RecordsExecutedPasses(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"executed": true}`))
	}))
	defer worker.Close()

	cs := NewCheckSignal(staticTargets(
		WorkerTarget{Service: domain.ServiceNews, URL: worker.URL},
	), &captureEvents{}, time.UTC, zerolog.Nop())

	// Age the record so the pulse visibly refreshes it.
	stale := time.Now().Add(-2 * time.Hour)
	cs.lastExecuted[domain.ServiceNews] = stale

	require.NoError(t, cs.Run())
	assert.True(t, cs.lastExecuted[domain.ServiceNews].After(stale))
}

func TestCheckSignal_Run_SkippedPassDoesNotRefresh(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"executed": false, "reason": "hourly cadence"}`))
	}))
	defer worker.Close()

	cs := NewCheckSignal(staticTargets(
		WorkerTarget{Service: domain.ServiceChart, URL: worker.URL},
	), &captureEvents{}, time.UTC, zerolog.Nop())

	// Recent enough that the quiet-window fallback stays silent.
	recent := time.Now().Add(-5 * time.Minute)
	cs.lastExecuted[domain.ServiceChart] = recent
	cs.lastExecuted[domain.ServiceNews] = recent

	require.NoError(t, cs.Run())
	assert.Equal(t, recent, cs.lastExecuted[domain.ServiceChart])
}

func TestCheckSignal_QuietHourFallback_FiresOncePerWindow(t *testing.T) {
	events := &captureEvents{}
	cs := NewCheckSignal(staticTargets(), events, time.UTC, zerolog.Nop())

	// News has been silent past the window; chart is fresh.
	cs.lastExecuted[domain.ServiceNews] = time.Now().Add(-2 * time.Hour)
	cs.lastExecuted[domain.ServiceChart] = time.Now()

	require.NoError(t, cs.Run())
	require.Len(t, events.events, 1)
	ev := events.events[0]
	assert.Equal(t, domain.KindNews, ev.Kind)
	assert.NotEmpty(t, ev.Payload["window"])

	// A second pulse inside the same window stays silent.
	require.NoError(t, cs.Run())
	assert.Len(t, events.events, 1)
}

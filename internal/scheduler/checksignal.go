package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// pulseTimeout bounds one worker's /check-schedule call.
const pulseTimeout = 30 * time.Second

// quietWindow is how long a cadence may go without an executed pass before
// the fallback "no event" notification fires.
const quietWindow = time.Hour

// WorkerTarget is one enabled worker endpoint.
type WorkerTarget struct {
	Service domain.ServiceName
	URL     string
}

// Targets enumerates the currently enabled workers. Resolved per pulse so
// supervisor restarts are picked up.
type Targets func(ctx context.Context) ([]WorkerTarget, error)

// Events is the dispatcher capability for the quiet-hour fallback.
type Events interface {
	Dispatch(ctx context.Context, ev domain.Event) (int, error)
}

// checkScheduleResponse is the worker's pulse reply.
type checkScheduleResponse struct {
	Executed bool   `json:"executed"`
	Message  string `json:"message"`
	Reason   string `json:"reason"`
}

// CheckSignal pulses every enabled worker and lets each decide locally
// whether its cadence has elapsed. Results are collected for logging only.
type CheckSignal struct {
	targets Targets
	events  Events
	client  *http.Client
	loc     *time.Location
	log     zerolog.Logger

	mu           sync.Mutex
	lastExecuted map[domain.ServiceName]time.Time
	lastFallback map[domain.ServiceName]time.Time
}

// NewCheckSignal creates the pulse job.
func NewCheckSignal(targets Targets, events Events, loc *time.Location, log zerolog.Logger) *CheckSignal {
	if loc == nil {
		loc = time.UTC
	}
	return &CheckSignal{
		targets: targets,
		events:  events,
		client:  &http.Client{Timeout: pulseTimeout},
		loc:     loc,
		log:     log.With().Str("component", "check_signal").Logger(),
		lastExecuted: map[domain.ServiceName]time.Time{
			domain.ServiceNews:  time.Now(),
			domain.ServiceChart: time.Now(),
		},
		lastFallback: map[domain.ServiceName]time.Time{},
	}
}

// Name implements Job.
func (c *CheckSignal) Name() string { return "check_signal" }

// Run implements Job: one pulse across all enabled workers, concurrently.
func (c *CheckSignal) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), pulseTimeout+5*time.Second)
	defer cancel()

	targets, err := c.targets(ctx)
	if err != nil {
		return fmt.Errorf("target enumeration: %w", err)
	}

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t WorkerTarget) {
			defer wg.Done()
			c.pulse(ctx, t)
		}(t)
	}
	wg.Wait()

	c.quietHourFallback(ctx)
	return nil
}

func (c *CheckSignal) pulse(ctx context.Context, t WorkerTarget) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL+"/check-schedule", bytes.NewReader(nil))
	if err != nil {
		c.log.Error().Err(err).Str("service", string(t.Service)).Msg("pulse request build failed")
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("service", string(t.Service)).Msg("pulse failed")
		return
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed checkScheduleResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		c.log.Warn().Err(err).Str("service", string(t.Service)).Msg("unparseable pulse reply")
		return
	}

	if parsed.Executed {
		c.mu.Lock()
		c.lastExecuted[t.Service] = time.Now()
		c.mu.Unlock()
	}

	c.log.Info().
		Str("service", string(t.Service)).
		Bool("executed", parsed.Executed).
		Str("reason", parsed.Reason).
		Msg("pulse result")
}

// quietHourFallback emits one "no event" notification when a watched cadence
// has been silent for the whole window. The window label in the payload keys
// the dispatcher's at-most-once digest, so each window alerts once.
func (c *CheckSignal) quietHourFallback(ctx context.Context) {
	watched := map[domain.ServiceName]domain.EventKind{
		domain.ServiceNews:  domain.KindNews,
		domain.ServiceChart: domain.KindChart,
	}

	now := time.Now()
	for service, kind := range watched {
		c.mu.Lock()
		silentSince := c.lastExecuted[service]
		lastFallback := c.lastFallback[service]
		c.mu.Unlock()

		if now.Sub(silentSince) < quietWindow || now.Sub(lastFallback) < quietWindow {
			continue
		}

		window := now.In(c.loc).Truncate(quietWindow).Format("2006-01-02T15")
		_, err := c.events.Dispatch(ctx, domain.Event{
			Kind: kind,
			Payload: map[string]any{
				"title":   "조용한 시간",
				"message": fmt.Sprintf("%s 서비스에서 최근 1시간 동안 이벤트가 없었습니다", service),
				"window":  window,
			},
			At: now,
		})
		if err != nil {
			c.log.Error().Err(err).Str("service", string(service)).Msg("quiet-hour dispatch failed")
			continue
		}

		c.mu.Lock()
		c.lastFallback[service] = now
		c.mu.Unlock()
	}
}

// Package worker hosts the per-service worker process: the four-endpoint
// HTTP surface and one Runner per service deciding its own cadence.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// Result is one executed pass, with a preview of what was (or would be)
// messaged.
type Result struct {
	Service         domain.ServiceName `json:"service"`
	UserID          string             `json:"user_id"`
	TelegramMessage string             `json:"telegram_message"`
	Detail          map[string]any     `json:"detail,omitempty"`
	ExecutedAt      time.Time          `json:"executed_at"`
}

// Runner is one service's work loop. Execute runs a single pass; ShouldRun
// implements the service's cadence against the last executed pass.
type Runner interface {
	Service() domain.ServiceName
	Execute(ctx context.Context, userID string) (*Result, error)
	ShouldRun(now, lastRun time.Time) (bool, string)
}

// Cadence helpers shared by runners. Market-close services only run once per
// day, after the close in the market timezone.

type hourlyCadence struct{}

func (hourlyCadence) ShouldRun(now, lastRun time.Time) (bool, string) {
	if now.Sub(lastRun) >= time.Hour {
		return true, ""
	}
	return false, fmt.Sprintf("hourly cadence, %s since last run", now.Sub(lastRun).Round(time.Second))
}

type marketCloseCadence struct {
	loc       *time.Location
	closeHour int
}

func (c marketCloseCadence) ShouldRun(now, lastRun time.Time) (bool, string) {
	local := now.In(c.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false, "market closed (weekend)"
	}
	if local.Hour() < c.closeHour {
		return false, fmt.Sprintf("before market close (%02d:00)", c.closeHour)
	}
	if lastRun.In(c.loc).Format("2006-01-02") == local.Format("2006-01-02") {
		return false, "already ran today"
	}
	return true, ""
}

type weeklyCadence struct {
	loc *time.Location
}

func (c weeklyCadence) ShouldRun(now, lastRun time.Time) (bool, string) {
	local := now.In(c.loc)
	if local.Weekday() != time.Sunday {
		return false, "weekly cadence, runs on Sunday"
	}
	if now.Sub(lastRun) < 24*time.Hour {
		return false, "already ran this week"
	}
	return true, ""
}

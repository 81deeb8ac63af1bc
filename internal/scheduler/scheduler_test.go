package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type scriptedJob struct {
	name  string
	runs  int
	boom  bool
	err   error
}

func (j *scriptedJob) Name() string { return j.name }

func (j *scriptedJob) Run() error {
	j.runs++
	if j.boom {
		panic("nil map write")
	}
	return j.err
}

func TestScheduler_Run_RecoversFromPanickingJob(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())

	bad := &scriptedJob{name: "backup", boom: true}
	assert.NotPanics(t, func() { s.run(bad) })
	assert.Equal(t, 1, bad.runs)

	// The scheduler keeps working after a panic.
	good := &scriptedJob{name: "retention"}
	s.run(good)
	assert.Equal(t, 1, good.runs)
}

func TestScheduler_Run_LogsButSwallowsJobErrors(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())
	failing := &scriptedJob{name: "check_signal", err: errors.New("worker unreachable")}
	assert.NotPanics(t, func() { s.run(failing) })
	assert.Equal(t, 1, failing.runs)
}

func TestScheduler_AddJob_RejectsBadSpec(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())
	assert.Error(t, s.AddJob("not a cron spec", &scriptedJob{name: "x"}))
	assert.NoError(t, s.AddJob("0 */10 * * * *", &scriptedJob{name: "y"}))
}

package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// MaxRestarts bounds automatic restarts of a crashed worker before the user
// is alerted and the service is marked failed.
const MaxRestarts = 3

// healthPollTimeout is how long a freshly spawned worker gets to report
// healthy.
const healthPollTimeout = 60 * time.Second

const healthPollInterval = 2 * time.Second

// Flags is the configuration-manager capability the supervisor needs.
type Flags interface {
	GetUserConfig(ctx context.Context, userID string) (*domain.UserConfig, error)
}

// Events is the dispatcher capability for hard-failure alerts.
type Events interface {
	Dispatch(ctx context.Context, ev domain.Event) (int, error)
}

// Config holds the spawn parameters.
type Config struct {
	WorkerBin string                              // path to the worker binary
	PortFor   func(service domain.ServiceName) int // stable port assignment
	ExtraEnv  []string                            // passed through to children
}

// managedProcess is one live child.
type managedProcess struct {
	service  domain.ServiceName
	userID   string
	port     int
	cmd      *exec.Cmd
	restarts int
	stopping bool
}

// Supervisor owns the per-user worker processes.
type Supervisor struct {
	cfg    Config
	flags  Flags
	events Events
	state  *StateStore
	client *http.Client
	log    zerolog.Logger

	mu        sync.Mutex
	processes map[string]*managedProcess // key: service name
}

// New creates a supervisor.
func New(cfg Config, flags Flags, events Events, state *StateStore, log zerolog.Logger) (*Supervisor, error) {
	if cfg.WorkerBin == "" {
		return nil, domain.ConfigError("worker binary path not set")
	}
	if cfg.PortFor == nil {
		return nil, domain.ConfigError("port assignment not set")
	}
	return &Supervisor{
		cfg:       cfg,
		flags:     flags,
		events:    events,
		state:     state,
		client:    &http.Client{Timeout: 5 * time.Second},
		log:       log.With().Str("component", "supervisor").Logger(),
		processes: map[string]*managedProcess{},
	}, nil
}

// StartUserServices spawns a worker for each service the user has enabled.
// Already-running workers are left alone. Returns the resulting states.
func (s *Supervisor) StartUserServices(ctx context.Context, userID string) ([]ServiceState, error) {
	cfg, err := s.flags.GetUserConfig(ctx, userID)
	if err != nil {
		return nil, err
	}

	var states []ServiceState
	for _, service := range cfg.Services.Enabled() {
		st, err := s.startService(ctx, userID, service)
		if err != nil {
			s.log.Error().Err(err).Str("service", string(service)).Msg("service start failed")
			st = ServiceState{
				ServiceName: string(service),
				UserID:      userID,
				Status:      StatusFailed,
				Description: err.Error(),
			}
		}
		states = append(states, st)
	}
	return states, nil
}

func (s *Supervisor) startService(ctx context.Context, userID string, service domain.ServiceName) (ServiceState, error) {
	s.mu.Lock()
	if proc, ok := s.processes[string(service)]; ok && !proc.stopping {
		port := proc.port
		pid := proc.cmd.Process.Pid
		// The new assignment must survive a crash: the watcher respawns
		// with proc.userID.
		proc.userID = userID
		s.mu.Unlock()
		// Running worker switches user context in place, no respawn.
		if err := s.setUser(ctx, port, userID); err != nil {
			s.log.Warn().Err(err).Str("service", string(service)).Msg("set-user failed")
		}
		st := ServiceState{
			ServiceName:     string(service),
			UserID:          userID,
			Status:          StatusRunning,
			Port:            port,
			PID:             pid,
			LastHealthCheck: time.Now(),
		}
		if err := s.state.Upsert(ctx, st); err != nil {
			s.log.Warn().Err(err).Msg("state persist failed")
		}
		return st, nil
	}
	s.mu.Unlock()

	port := s.cfg.PortFor(service)
	proc, err := s.spawn(userID, service, port)
	if err != nil {
		return ServiceState{}, err
	}

	st := ServiceState{
		ServiceName: string(service),
		UserID:      userID,
		Status:      StatusStarting,
		Port:        port,
		PID:         proc.cmd.Process.Pid,
		StartedAt:   time.Now(),
	}
	if err := s.state.Upsert(ctx, st); err != nil {
		s.log.Warn().Err(err).Msg("state persist failed")
	}

	if err := s.pollHealth(ctx, port); err != nil {
		st.Status = StatusFailed
		st.Description = err.Error()
	} else {
		st.Status = StatusRunning
		st.LastHealthCheck = time.Now()
	}
	if err := s.state.Upsert(ctx, st); err != nil {
		s.log.Warn().Err(err).Msg("state persist failed")
	}

	s.log.Info().
		Str("service", string(service)).
		Str("user_id", userID).
		Int("port", port).
		Str("status", st.Status).
		Msg("service started")
	return st, nil
}

// spawn launches the worker child and installs the exit watcher.
func (s *Supervisor) spawn(userID string, service domain.ServiceName, port int) (*managedProcess, error) {
	cmd := exec.Command(s.cfg.WorkerBin, "-service", string(service))
	cmd.Env = append(os.Environ(),
		"HYPERASSET_USER_ID="+userID,
		"WORKER_SERVICE="+string(service),
		fmt.Sprintf("WORKER_PORT=%d", port),
	)
	cmd.Env = append(cmd.Env, s.cfg.ExtraEnv...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn %s worker: %w", service, err)
	}

	proc := &managedProcess{service: service, userID: userID, port: port, cmd: cmd}
	s.mu.Lock()
	s.processes[string(service)] = proc
	s.mu.Unlock()

	go s.watch(proc)
	return proc, nil
}

// watch restarts a crashed child up to MaxRestarts, then alerts.
func (s *Supervisor) watch(proc *managedProcess) {
	err := proc.cmd.Wait()

	s.mu.Lock()
	stopping := proc.stopping
	restarts := proc.restarts
	s.mu.Unlock()

	if stopping {
		return
	}

	s.log.Warn().
		Err(err).
		Str("service", string(proc.service)).
		Int("restarts", restarts).
		Msg("worker exited unexpectedly")

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	if restarts >= MaxRestarts {
		_ = s.state.Upsert(ctx, ServiceState{
			ServiceName: string(proc.service),
			UserID:      proc.userID,
			Status:      StatusFailed,
			Port:        proc.port,
			ErrorCount:  restarts,
			Description: "restart limit exceeded",
		})
		if _, derr := s.events.Dispatch(ctx, domain.Event{
			Kind: domain.KindError,
			Payload: map[string]any{
				"service": string(proc.service),
				"message": fmt.Sprintf("%s 워커가 %d회 재시작 후에도 실패했습니다", proc.service, MaxRestarts),
			},
			At: time.Now(),
		}); derr != nil {
			s.log.Error().Err(derr).Msg("hard-failure alert failed")
		}
		return
	}

	replacement, err := s.spawn(proc.userID, proc.service, proc.port)
	if err != nil {
		s.log.Error().Err(err).Str("service", string(proc.service)).Msg("respawn failed")
		return
	}
	s.mu.Lock()
	replacement.restarts = restarts + 1
	s.mu.Unlock()

	if err := s.pollHealth(ctx, replacement.port); err != nil {
		s.log.Error().Err(err).Str("service", string(proc.service)).Msg("respawned worker unhealthy")
		return
	}
	_ = s.state.Upsert(ctx, ServiceState{
		ServiceName: string(proc.service),
		UserID:      proc.userID,
		Status:      StatusRunning,
		Port:        proc.port,
		PID:         replacement.cmd.Process.Pid,
		StartedAt:   time.Now(),
		ErrorCount:  restarts + 1,
	})
}

// StopUserServices terminates every running worker for the user.
func (s *Supervisor) StopUserServices(ctx context.Context, userID string) error {
	s.mu.Lock()
	var victims []*managedProcess
	for _, proc := range s.processes {
		if proc.userID == userID {
			proc.stopping = true
			victims = append(victims, proc)
		}
	}
	s.mu.Unlock()

	for _, proc := range victims {
		s.terminate(proc)
		_ = s.state.Upsert(ctx, ServiceState{
			ServiceName: string(proc.service),
			UserID:      userID,
			Status:      StatusStopped,
			Port:        proc.port,
		})
		s.mu.Lock()
		delete(s.processes, string(proc.service))
		s.mu.Unlock()
	}
	s.log.Info().Str("user_id", userID).Int("stopped", len(victims)).Msg("user services stopped")
	return nil
}

// terminate asks politely, then kills after a grace period.
func (s *Supervisor) terminate(proc *managedProcess) {
	if proc.cmd.Process == nil {
		return
	}
	_ = proc.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = proc.cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		_ = proc.cmd.Process.Kill()
	}
}

// GetUserServices returns the persisted states for the user's workers.
func (s *Supervisor) GetUserServices(ctx context.Context, userID string) ([]ServiceState, error) {
	all, err := s.state.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []ServiceState
	for _, st := range all {
		if st.UserID == userID {
			out = append(out, st)
		}
	}
	return out, nil
}

// Shutdown stops every child. Called from the main shutdown path.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	var procs []*managedProcess
	for _, proc := range s.processes {
		proc.stopping = true
		procs = append(procs, proc)
	}
	s.processes = map[string]*managedProcess{}
	s.mu.Unlock()

	for _, proc := range procs {
		s.terminate(proc)
	}
	s.log.Info().Int("stopped", len(procs)).Msg("supervisor shut down")
}

func (s *Supervisor) pollHealth(ctx context.Context, port int) error {
	deadline := time.Now().Add(healthPollTimeout)
	url := fmt.Sprintf("http://localhost:%d/health", port)

	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
		case <-time.After(healthPollInterval):
		}
	}
	return fmt.Errorf("%w: worker on port %d never became healthy", domain.ErrTimeout, port)
}

func (s *Supervisor) setUser(ctx context.Context, port int, userID string) error {
	url := fmt.Sprintf("http://localhost:%d/set-user/%s", port, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("set-user returned status %d", resp.StatusCode)
	}
	return nil
}

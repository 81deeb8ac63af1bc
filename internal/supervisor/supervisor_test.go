package supervisor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/hyperasset/internal/database"
	"github.com/hyperasset/hyperasset/internal/domain"
)

func newTestStateStore(t *testing.T) *StateStore {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "state.db"),
		Profile: database.ProfileStandard,
		Name:    "state-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	state, err := NewStateStore(db, zerolog.Nop())
	require.NoError(t, err)
	return state
}

func TestSupervisor_StartService_ReassignsRunningWorker(t *testing.T) {
	ctx := context.Background()
	state := newTestStateStore(t)

	var mu sync.Mutex
	var paths []string
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer worker.Close()
	port := worker.Listener.Addr().(*net.TCPAddr).Port

	s, err := New(Config{
		WorkerBin: "/bin/true",
		PortFor:   func(domain.ServiceName) int { return port },
	}, nil, nil, state, zerolog.Nop())
	require.NoError(t, err)

	// A worker already running for another user.
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	proc := &managedProcess{service: domain.ServiceNews, userID: "user-a", port: port, cmd: cmd}
	s.processes[string(domain.ServiceNews)] = proc

	st, err := s.startService(ctx, "user-b", domain.ServiceNews)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st.Status)
	assert.Equal(t, "user-b", st.UserID)

	// The in-memory record follows the reassignment, so a crash respawn
	// resumes with the new user.
	assert.Equal(t, "user-b", proc.userID)

	// The reassignment is persisted.
	states, err := state.List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, string(domain.ServiceNews), states[0].ServiceName)
	assert.Equal(t, "user-b", states[0].UserID)

	// The running worker was told about the new user, not respawned.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.Equal(t, "/set-user/user-b", paths[0])
}

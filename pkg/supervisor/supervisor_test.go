package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/pkg/gateway"
)

// TestHelperBackend is re-executed as a child process and behaves like a
// minimal stdio MCP server. The mode is selected via BACKEND_MODE.
func TestHelperBackend(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	switch os.Getenv("BACKEND_MODE") {
	case "exit-immediately":
		os.Exit(1)
	case "chatter":
		// Launcher noise before the protocol starts.
		fmt.Println("npm warn deprecated left-pad@1.0.0")
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var msg struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		switch msg.Method {
		case "initialize":
			reply(msg.ID, map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]any{},
				"serverInfo":      map[string]any{"name": "helper", "version": "0.0.1"},
			})
		case "notifications/initialized":
			// no reply
		case "ping":
			reply(msg.ID, "pong")
		case "die":
			os.Exit(1)
		default:
			if msg.ID != nil {
				reply(msg.ID, map[string]any{})
			}
		}
	}
}

func reply(id any, result any) {
	out, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	fmt.Println(string(out))
}

func helperSpec(name, mode string) gateway.BackendSpec {
	return gateway.BackendSpec{
		Name:    name,
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperBackend", "--"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"BACKEND_MODE":           mode,
		},
		StartupTimeout: 10 * time.Second,
		Enabled:        true,
	}
}

// recordingObserver collects availability transitions.
type recordingObserver struct {
	mu      sync.Mutex
	running []string
	stopped []string
}

func (o *recordingObserver) BackendRunning(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = append(o.running, name)
}

func (o *recordingObserver) BackendStopped(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = append(o.stopped, name)
}

func (o *recordingObserver) counts() (running, stopped int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running), len(o.stopped)
}

func TestApplyStartsAndHandshakes(t *testing.T) {
	t.Parallel()
	obs := &recordingObserver{}
	s := New(obs, "test")
	t.Cleanup(func() { s.StopAll(context.Background()) })

	require.NoError(t, s.Apply(context.Background(), helperSpec("alpha", "")))
	assert.Equal(t, gateway.StateRunning, s.State("alpha"))
	assert.True(t, s.IsHealthy("alpha"))

	running, _ := obs.counts()
	assert.Equal(t, 1, running)

	result, err := s.Call(context.Background(), "alpha", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, `"pong"`, string(result))
}

func TestApplyToleratesLauncherChatter(t *testing.T) {
	t.Parallel()
	s := New(nil, "test")
	t.Cleanup(func() { s.StopAll(context.Background()) })

	require.NoError(t, s.Apply(context.Background(), helperSpec("noisy", "chatter")))
	assert.Equal(t, gateway.StateRunning, s.State("noisy"))
}

func TestApplyDisabledSpecStops(t *testing.T) {
	t.Parallel()
	s := New(nil, "test")
	t.Cleanup(func() { s.StopAll(context.Background()) })

	spec := helperSpec("toggled", "")
	require.NoError(t, s.Apply(context.Background(), spec))
	require.Equal(t, gateway.StateRunning, s.State("toggled"))

	spec.Enabled = false
	require.NoError(t, s.Apply(context.Background(), spec))
	assert.Equal(t, gateway.StateStopped, s.State("toggled"))
}

func TestStopIsDeliberate(t *testing.T) {
	t.Parallel()
	obs := &recordingObserver{}
	s := New(obs, "test")

	require.NoError(t, s.Apply(context.Background(), helperSpec("beta", "")))
	require.NoError(t, s.Stop(context.Background(), "beta"))

	assert.Equal(t, gateway.StateStopped, s.State("beta"))

	// A deliberate stop must not trigger the restart policy.
	time.Sleep(restartDelay + 500*time.Millisecond)
	assert.Equal(t, gateway.StateStopped, s.State("beta"))

	_, stopped := obs.counts()
	assert.Equal(t, 1, stopped)
}

func TestCrashTriggersRestartAndCounterReset(t *testing.T) {
	t.Parallel()
	s := New(nil, "test")
	t.Cleanup(func() { s.StopAll(context.Background()) })

	require.NoError(t, s.Apply(context.Background(), helperSpec("gamma", "")))

	// "die" makes the helper exit uncleanly; the reply never comes.
	_, err := s.Call(context.Background(), "gamma", "die", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrBackendUnavailable)

	// The supervisor should bring it back after the fixed delay.
	require.Eventually(t, func() bool {
		return s.State("gamma") == gateway.StateRunning
	}, 15*time.Second, 100*time.Millisecond)

	result, err := s.Call(context.Background(), "gamma", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, `"pong"`, string(result))
}

func TestRepeatedCrashesEndTerminallyFailed(t *testing.T) {
	t.Parallel()
	obs := &recordingObserver{}
	s := New(obs, "test")
	t.Cleanup(func() { s.StopAll(context.Background()) })

	spec := helperSpec("flappy", "exit-immediately")
	spec.StartupTimeout = 2 * time.Second

	// The first launch dies before the handshake; the restart policy
	// takes over from there.
	require.Error(t, s.Apply(context.Background(), spec))

	require.Eventually(t, func() bool {
		return s.State("flappy") == gateway.StateFailed
	}, 30*time.Second, 100*time.Millisecond)

	// Failed is terminal: the exit of the final attempt must not re-arm
	// another restart cycle. Watch across several restart delays.
	deadline := time.Now().Add(2*restartDelay + time.Second)
	for time.Now().Before(deadline) {
		require.Equal(t, gateway.StateFailed, s.State("flappy"))
		time.Sleep(100 * time.Millisecond)
	}

	// It never completed a handshake, so it was never visible.
	running, _ := obs.counts()
	assert.Zero(t, running)

	// An explicit spec change is the only way back.
	require.NoError(t, s.Apply(context.Background(), helperSpec("flappy", "")))
	assert.Equal(t, gateway.StateRunning, s.State("flappy"))
}

func TestCallUnknownBackend(t *testing.T) {
	t.Parallel()
	s := New(nil, "test")

	_, err := s.Call(context.Background(), "ghost", "ping", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrRouting)
}

func TestCallStoppedBackendIsUnavailable(t *testing.T) {
	t.Parallel()
	s := New(nil, "test")

	require.NoError(t, s.Apply(context.Background(), helperSpec("delta", "")))
	require.NoError(t, s.Stop(context.Background(), "delta"))

	_, err := s.Call(context.Background(), "delta", "ping", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrBackendUnavailable)
	assert.NotEmpty(t, err.Error())
}

func TestSnapshotReportsAllBackends(t *testing.T) {
	t.Parallel()
	s := New(nil, "test")
	t.Cleanup(func() { s.StopAll(context.Background()) })

	require.NoError(t, s.Apply(context.Background(), helperSpec("one", "")))
	require.NoError(t, s.Apply(context.Background(), helperSpec("two", "")))
	require.NoError(t, s.Stop(context.Background(), "two"))

	snap := s.Snapshot()
	assert.Equal(t, gateway.StateRunning, snap["one"])
	assert.Equal(t, gateway.StateStopped, snap["two"])
}

func TestRemoveDropsFromTable(t *testing.T) {
	t.Parallel()
	s := New(nil, "test")

	require.NoError(t, s.Apply(context.Background(), helperSpec("gone", "")))
	require.NoError(t, s.Remove(context.Background(), "gone"))

	_, ok := s.Spec("gone")
	assert.False(t, ok)
	assert.Equal(t, gateway.StateStopped, s.State("gone"))
}

//go:build unix

package runstate

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a test. It stands in for another cftunnel process
// and sleeps until it is signalled.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	time.Sleep(time.Minute)
	os.Exit(0)
}

// startOwner runs a helper process and reaps it when it exits. The returned
// channel is closed once it is gone.
func startOwner(t *testing.T) (*exec.Cmd, chan struct{}) {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess")
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-done
	})
	return cmd, done
}

// deadPID returns the PID of a process that has already exited.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	r.StopWait = 3 * time.Second
	return r
}

// writeForeign stores rec as if another process had claimed it.
func writeForeign(t *testing.T, r *Registry, rec Record) {
	t.Helper()
	other := *r
	other.pid = rec.OwnerPID
	require.NoError(t, other.Claim(rec))
}

func TestOwnRecordsAreInvisibleToLookup(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Claim(Record{Name: "corp/rdp", ClientPID: os.Getpid(), Port: 3389, RunID: "run-1"}))

	_, ok := r.Lookup("corp/rdp")
	assert.False(t, ok)

	rec, ok := r.read("corp/rdp")
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), rec.OwnerPID)

	// a newer run is not released by an older one
	require.NoError(t, r.Release("corp/rdp", "run-0"))
	_, ok = r.read("corp/rdp")
	assert.True(t, ok)

	require.NoError(t, r.Release("corp/rdp", "run-1"))
	_, ok = r.read("corp/rdp")
	assert.False(t, ok)
}

func TestLookupFindsLiveOwner(t *testing.T) {
	r := newTestRegistry(t)
	owner, _ := startOwner(t)
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	writeForeign(t, r, Record{Name: "CorpRDP", OwnerPID: owner.Process.Pid, ClientPID: owner.Process.Pid,
		Port: 3389, RunID: "run-1", StartedAt: started})

	rec, ok := r.Lookup("CorpRDP")
	require.True(t, ok)
	assert.Equal(t, owner.Process.Pid, rec.OwnerPID)
	assert.Equal(t, 3389, rec.Port)
	assert.True(t, rec.StartedAt.Equal(started))
	assert.True(t, r.ClientAlive(rec))

	// other processes' records survive Release
	require.NoError(t, r.Release("CorpRDP", ""))
	_, ok = r.Lookup("CorpRDP")
	assert.True(t, ok)
}

func TestLookupRemovesStaleRecord(t *testing.T) {
	r := newTestRegistry(t)
	pid := deadPID(t)
	writeForeign(t, r, Record{Name: "CorpRDP", OwnerPID: pid, ClientPID: pid, Port: 3389, RunID: "run-1"})

	_, ok := r.Lookup("CorpRDP")
	assert.False(t, ok)
	_, ok = r.read("CorpRDP")
	assert.False(t, ok)
}

func TestStopSignalsOwner(t *testing.T) {
	r := newTestRegistry(t)
	owner, done := startOwner(t)
	writeForeign(t, r, Record{Name: "CorpRDP", OwnerPID: owner.Process.Pid, ClientPID: owner.Process.Pid, Port: 3389, RunID: "run-1"})
	rec, ok := r.Lookup("CorpRDP")
	require.True(t, ok)

	require.NoError(t, r.Stop(context.Background(), rec))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("owner still running")
	}
	_, ok = r.Lookup("CorpRDP")
	assert.False(t, ok)
}

func TestStopTimesOutOnStubbornOwner(t *testing.T) {
	r := newTestRegistry(t)
	r.StopWait = 200 * time.Millisecond
	r.signal = func(Record) error { return nil }
	owner, _ := startOwner(t)
	writeForeign(t, r, Record{Name: "CorpRDP", OwnerPID: owner.Process.Pid, ClientPID: owner.Process.Pid, Port: 3389, RunID: "run-1"})
	rec, ok := r.Lookup("CorpRDP")
	require.True(t, ok)

	assert.ErrorIs(t, r.Stop(context.Background(), rec), ErrOwnerAlive)
	_, ok = r.Lookup("CorpRDP")
	assert.True(t, ok)
}

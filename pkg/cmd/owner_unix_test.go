//go:build unix

package cmd

import (
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/xlttj/cftunnel/pkg/runstate"
)

// TestForegroundOwnerProcess is not a test. It stands in for a cftunnel
// process running a tunnel in the foreground, and exits on SIGTERM.
func TestForegroundOwnerProcess(t *testing.T) {
	if os.Getenv("GO_WANT_OWNER_PROCESS") != "1" {
		return
	}
	time.Sleep(time.Minute)
	os.Exit(0)
}

func TestStopReachesForegroundProcess(t *testing.T) {
	home := setupHome(t)
	_, err := execute(t, "add", "corp/rdp", "rdp.example.com", "3389", "--addr", noDaemon)
	require.NoError(t, err)

	owner := exec.Command(os.Args[0], "-test.run=TestForegroundOwnerProcess")
	owner.Env = append(os.Environ(), "GO_WANT_OWNER_PROCESS=1")
	require.NoError(t, owner.Start())
	exited := make(chan struct{})
	go func() {
		_ = owner.Wait()
		close(exited)
	}()
	t.Cleanup(func() {
		_ = owner.Process.Kill()
		<-exited
	})

	rec := runstate.Record{
		Name: "corp/rdp", OwnerPID: owner.Process.Pid, ClientPID: owner.Process.Pid,
		Port: 3389, RunID: "run-1", StartedAt: time.Now().Add(-time.Minute),
	}
	data, err := yaml.Marshal(rec)
	require.NoError(t, err)
	recordFile := filepath.Join(home, "run", hex.EncodeToString([]byte(rec.Name))+".yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(recordFile), 0700))
	require.NoError(t, os.WriteFile(recordFile, data, 0600))

	out, err := execute(t, "list", "--addr", noDaemon)
	require.NoError(t, err, out)
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "run by cftunnel process")

	_, err = execute(t, "start", "corp/rdp", "--addr", noDaemon)
	assert.Error(t, err)

	out, err = execute(t, "stop", "corp/rdp", "--addr", noDaemon)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Tunnel corp/rdp stopped")
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("foreground process still running")
	}
	assert.NoFileExists(t, recordFile)

	out, err = execute(t, "list", "--addr", noDaemon)
	require.NoError(t, err, out)
	assert.Contains(t, out, "stopped")
	assert.NotContains(t, out, "run by cftunnel process")
}

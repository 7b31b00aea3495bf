package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xlttj/cftunnel/pkg/api"
	"github.com/xlttj/cftunnel/pkg/cloudflared"
	"github.com/xlttj/cftunnel/pkg/config"
	"github.com/xlttj/cftunnel/pkg/manager"
	"github.com/xlttj/cftunnel/pkg/settings"
	"github.com/xlttj/cftunnel/pkg/supervisor"
)

// noDaemon is an address nothing listens on.
const noDaemon = "127.0.0.1:1"

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv(settings.HomeEnv, home)
	t.Setenv("CFTUNNEL_CLIENT_PATH", filepath.Join(home, "missing", "cloudflared"))
	return home
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCmdCftunnel("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPrintTunnels(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	views := []manager.TunnelView{
		{Name: "CorpRDP", Protocol: "rdp", Hostname: "rdp.example.com", LocalPort: 3389,
			State: supervisor.StateRunning, StartedAt: now.Add(-90 * time.Second)},
		{Name: "build-ssh", Protocol: "ssh", Hostname: "ssh.example.com", LocalPort: 2222,
			State: supervisor.StateFailed, Reason: "exited with code 1: bad hostname"},
	}

	var out bytes.Buffer
	printTunnels(&out, views, now)
	text := out.String()

	for _, want := range []string{"NAME", "HOSTNAME", "UPTIME", "CorpRDP", "rdp.example.com", "3389", "running", "1m30s", "failed"} {
		assert.Contains(t, text, want)
	}
	assert.Contains(t, text, "build-ssh: exited with code 1: bad hostname")
}

func TestPrintTunnelsEmpty(t *testing.T) {
	var out bytes.Buffer
	printTunnels(&out, nil, time.Now())
	assert.Contains(t, out.String(), "No tunnels configured")
}

func TestLocalLifecycle(t *testing.T) {
	home := setupHome(t)

	out, err := execute(t, "add", "CorpRDP", "rdp.example.com", "3389", "--addr", noDaemon)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Added tunnel CorpRDP: rdp.example.com on localhost:3389 (rdp)")

	out, err = execute(t, "ls", "--addr", noDaemon)
	require.NoError(t, err, out)
	assert.Contains(t, out, "CorpRDP")
	assert.Contains(t, out, "stopped")

	out, err = execute(t, "update", "CorpRDP", "--local-port", "3390", "--new-name", "OfficeRDP", "--addr", noDaemon)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Updated tunnel OfficeRDP")

	store, err := config.Open("yaml", filepath.Join(home, "tunnels.yaml"))
	require.NoError(t, err)
	cfg, err := store.Read("OfficeRDP")
	require.NoError(t, err)
	assert.Equal(t, 3390, cfg.LocalPort)
	require.NoError(t, store.Close())

	out, err = execute(t, "stop", "OfficeRDP", "--addr", noDaemon)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Tunnel OfficeRDP stopped")

	out, err = execute(t, "rm", "OfficeRDP", "-y", "--addr", noDaemon)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Deleted tunnel OfficeRDP")

	out, err = execute(t, "list", "--addr", noDaemon)
	require.NoError(t, err, out)
	assert.Contains(t, out, "No tunnels configured")
}

func TestSQLiteStoreFlag(t *testing.T) {
	home := setupHome(t)

	_, err := execute(t, "add", "db", "db.example.com", "5432", "--protocol", "tcp", "--store", "sqlite", "--addr", noDaemon)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(home, "tunnels.db"))
	assert.NoFileExists(t, filepath.Join(home, "tunnels.yaml"))

	_, err = execute(t, "add", "x", "x.example.com", "1", "--store", "etcd", "--addr", noDaemon)
	assert.Error(t, err)
}

func TestCommandErrors(t *testing.T) {
	setupHome(t)

	_, err := execute(t, "add", "CorpRDP", "rdp.example.com", "rdp", "--addr", noDaemon)
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = execute(t, "add", "CorpRDP", "", "3389", "--addr", noDaemon)
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = execute(t, "update", "CorpRDP", "--addr", noDaemon)
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = execute(t, "stop", "ghost", "--addr", noDaemon)
	assert.ErrorIs(t, err, config.ErrNotFound)

	_, err = execute(t, "add", "CorpRDP", "rdp.example.com", "3389", "--addr", noDaemon)
	require.NoError(t, err)
	_, err = execute(t, "add", "CorpRDP", "rdp2.example.com", "3390", "--addr", noDaemon)
	assert.ErrorIs(t, err, config.ErrDuplicateName)
}

func TestStartWithoutClient(t *testing.T) {
	setupHome(t)

	_, err := execute(t, "add", "CorpRDP", "rdp.example.com", "45389", "--addr", noDaemon)
	require.NoError(t, err)

	out, err := execute(t, "start", "CorpRDP", "--addr", noDaemon)
	require.Error(t, err)
	assert.ErrorIs(t, err, cloudflared.ErrClientNotFound)
	assert.Equal(t, manager.KindClientMissing, manager.Kind(err))
	assert.Contains(t, out, "install-client")
}

func TestCommandsUseRunningDaemon(t *testing.T) {
	setupHome(t)

	daemonStore, err := config.Open("yaml", filepath.Join(t.TempDir(), "daemon.yaml"))
	require.NoError(t, err)
	m, err := manager.New(daemonStore, supervisor.New(supervisor.Options{}), time.Second)
	require.NoError(t, err)
	defer m.Close()

	ln, err := api.Listen("127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = api.NewServer(m, "test").Serve(ctx, ln) }()
	addr := ln.Addr().String()
	require.Eventually(t, func() bool {
		return api.NewClient(addr).Ping(context.Background()) == nil
	}, 2*time.Second, 20*time.Millisecond)

	out, err := execute(t, "add", "CorpRDP", "rdp.example.com", "3389", "--addr", addr)
	require.NoError(t, err, out)

	views, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "CorpRDP", views[0].Name)

	_, err = execute(t, "delete", "ghost", "-y", "--addr", addr)
	assert.ErrorIs(t, err, config.ErrNotFound)
}

func TestVersion(t *testing.T) {
	setupHome(t)
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "cftunnel test")
	assert.Contains(t, out, "cloudflared client binary not found")
}

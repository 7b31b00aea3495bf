package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"yaml": func(t *testing.T) Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "tunnels.yaml"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tunnels.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStoreCreateAndList(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)

			created, err := s.Create(TunnelConfig{Name: "CorpRDP", Hostname: "rdp.example.com", LocalPort: 3389})
			require.NoError(t, err)
			assert.Equal(t, "rdp", created.Protocol)

			_, err = s.Create(TunnelConfig{Name: "jump", Protocol: "SSH", Hostname: " ssh.example.com ", LocalPort: 2222})
			require.NoError(t, err)

			list, err := s.List()
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "CorpRDP", list[0].Name)
			assert.Equal(t, TunnelConfig{Name: "jump", Protocol: "ssh", Hostname: "ssh.example.com", LocalPort: 2222}, list[1])
		})
	}
}

func TestStoreDuplicateNameLeavesStoreUnchanged(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			_, err := s.Create(TunnelConfig{Name: "a", Hostname: "a.example.com", LocalPort: 1000})
			require.NoError(t, err)

			_, err = s.Create(TunnelConfig{Name: "a", Hostname: "other.example.com", LocalPort: 2000})
			assert.ErrorIs(t, err, ErrDuplicateName)

			list, err := s.List()
			require.NoError(t, err)
			assert.Equal(t, []TunnelConfig{{Name: "a", Protocol: "rdp", Hostname: "a.example.com", LocalPort: 1000}}, list)
		})
	}
}

func TestStoreValidation(t *testing.T) {
	cases := map[string]TunnelConfig{
		"empty name":      {Name: "", Hostname: "h", LocalPort: 1},
		"padded name":     {Name: " x", Hostname: "h", LocalPort: 1},
		"empty hostname":  {Name: "x", Hostname: "  ", LocalPort: 1},
		"port zero":       {Name: "x", Hostname: "h", LocalPort: 0},
		"port too large":  {Name: "x", Hostname: "h", LocalPort: 65536},
		"spaced hostname": {Name: "x", Hostname: "a b", LocalPort: 22},
	}
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			for label, cfg := range cases {
				_, err := s.Create(cfg)
				assert.ErrorIs(t, err, ErrInvalid, label)
			}
			list, err := s.List()
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestStoreReadUpdateDelete(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			for _, n := range []string{"one", "two", "three"} {
				_, err := s.Create(TunnelConfig{Name: n, Hostname: n + ".example.com", LocalPort: 4000})
				require.NoError(t, err)
			}

			_, err := s.Read("missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Update("missing", Patch{Hostname: strPtr("x")})
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.Delete("missing"), ErrNotFound)

			// rename keeps the position
			updated, err := s.Update("two", Patch{Name: strPtr("deux"), LocalPort: intPtr(4002)})
			require.NoError(t, err)
			assert.Equal(t, "deux", updated.Name)
			assert.Equal(t, 4002, updated.LocalPort)

			_, err = s.Read("two")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.Update("deux", Patch{Name: strPtr("three")})
			assert.ErrorIs(t, err, ErrDuplicateName)
			_, err = s.Update("deux", Patch{LocalPort: intPtr(70000)})
			assert.ErrorIs(t, err, ErrInvalid)

			list, err := s.List()
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, []string{"one", "deux", "three"}, []string{list[0].Name, list[1].Name, list[2].Name})

			require.NoError(t, s.Delete("one"))
			list, err = s.List()
			require.NoError(t, err)
			assert.Len(t, list, 2)
			assert.Equal(t, "deux", list[0].Name)
		})
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tunnels.yaml")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	_, err = s.Create(TunnelConfig{Name: "web", Protocol: "https", Hostname: "web.example.com", LocalPort: 8443})
	require.NoError(t, err)

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	cfg, err := reopened.Read("web")
	require.NoError(t, err)
	assert.Equal(t, TunnelConfig{Name: "web", Protocol: "https", Hostname: "web.example.com", LocalPort: 8443}, cfg)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStoreFailedWriteKeepsPreviousState(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "tunnels.yaml")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	_, err = s.Create(TunnelConfig{Name: "keep", Hostname: "keep.example.com", LocalPort: 1234})
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, os.Chmod(dir, 0500))
	t.Cleanup(func() { os.Chmod(dir, 0700) })

	_, err = s.Create(TunnelConfig{Name: "lost", Hostname: "lost.example.com", LocalPort: 1235})
	require.Error(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	list, err := s.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFileStoreLoadsLegacyJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	legacy := `{
    "tunnels": [
        {"name": "office", "hostname": "rdp.corp.example", "url": "rdp://localhost:13389", "process_pid": 4242},
        {"name": "nas", "hostname": "smb.corp.example", "protocol": "smb", "local_port": 4445},
        {"name": "broken", "hostname": "x.corp.example", "url": "garbage"}
    ]
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0600))

	s, err := NewFileStore(path)
	require.NoError(t, err)
	list, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []TunnelConfig{
		{Name: "office", Protocol: "rdp", Hostname: "rdp.corp.example", LocalPort: 13389},
		{Name: "nas", Protocol: "smb", Hostname: "smb.corp.example", LocalPort: 4445},
		{Name: "broken", Protocol: "rdp", Hostname: "x.corp.example", LocalPort: DefaultLocalPort},
	}, list)
}

func TestFileStoreLoadsBareList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnels.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- name: a\n  hostname: a.example.com\n"), 0600))

	s, err := NewFileStore(path)
	require.NoError(t, err)
	cfg, err := s.Read("a")
	require.NoError(t, err)
	assert.Equal(t, DefaultLocalPort, cfg.LocalPort)
}

func TestFileStoreRejectsDuplicateNamesOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnels.yaml")
	doc := "tunnels:\n  - {name: a, hostname: a.example.com, local_port: 1}\n  - {name: a, hostname: b.example.com, local_port: 2}\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	_, err := NewFileStore(path)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("etcd", filepath.Join(t.TempDir(), "x"))
	assert.Error(t, err)
}

package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/xlttj/cftunnel/pkg/api"
	"github.com/xlttj/cftunnel/pkg/cloudflared"
	"github.com/xlttj/cftunnel/pkg/config"
	"github.com/xlttj/cftunnel/pkg/logging"
	"github.com/xlttj/cftunnel/pkg/manager"
	"github.com/xlttj/cftunnel/pkg/runstate"
	"github.com/xlttj/cftunnel/pkg/supervisor"
)

// localEnv is an in-process manager with its supervisor. The supervisor's
// reaper runs until Close.
type localEnv struct {
	manager    *manager.Manager
	sup        *supervisor.Supervisor
	binary     string
	clientErr  error
	stopReaper context.CancelFunc
}

func (c *rootCmd) openLocal() (*localEnv, error) {
	s := c.settings
	t, err := s.Timeouts()
	if err != nil {
		return nil, err
	}

	binary, clientErr := cloudflared.Resolve(s.ClientPath, s.DataDir)
	if clientErr != nil {
		logging.LogWarn("%v", clientErr)
	}

	store, err := config.Open(s.Store, s.StorePath)
	if err != nil {
		return nil, err
	}

	sup := supervisor.New(supervisor.Options{
		Command:          cloudflared.CommandFunc(binary),
		ReadyPattern:     cloudflared.ReadyPattern,
		ReadyGrace:       t.ReadyGrace,
		RequireReadyLine: s.RequireReadyLine,
		StartTimeout:     t.StartTimeout,
		StopGrace:        t.StopGrace,
		KillTimeout:      t.KillTimeout,
		ReapInterval:     t.ReapInterval,
	})
	var opts []manager.Option
	if registry, err := runstate.Open(filepath.Join(s.DataDir, "run")); err != nil {
		logging.LogWarn("Tunnels of other cftunnel processes will not be visible: %v", err)
	} else {
		registry.StopWait = t.StopGrace + t.KillTimeout + 5*time.Second
		opts = append(opts, manager.WithOwners(registry))
	}
	m, err := manager.New(store, sup, t.DeleteTimeout, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)

	return &localEnv{manager: m, sup: sup, binary: binary, clientErr: clientErr, stopReaper: cancel}, nil
}

// clientWarning describes a missing or outdated client, or returns "".
func (e *localEnv) clientWarning(ctx context.Context, minVersion string) string {
	if e.clientErr != nil {
		return fmt.Sprintf("%v. Run 'cftunnel install-client' or set client_path", e.clientErr)
	}
	v, err := cloudflared.Version(ctx, e.binary)
	if err != nil {
		logging.LogWarn("Could not determine cloudflared version: %v", err)
		return ""
	}
	if err := cloudflared.CheckVersion(v, minVersion); err != nil {
		return err.Error()
	}
	logging.LogInfo("Using cloudflared %s at %s", v, e.binary)
	return ""
}

// Close stops every tunnel this process started and releases the store.
func (e *localEnv) Close(ctx context.Context) error {
	err := e.manager.Shutdown(ctx)
	e.stopReaper()
	if cerr := e.manager.Close(); err == nil {
		err = cerr
	}
	return err
}

// connect returns a client for the daemon when one answers, otherwise an
// in-process manager. The returned func releases it.
func (c *rootCmd) connect(ctx context.Context) (manager.Commander, func(), error) {
	client := api.NewClient(c.settings.ListenAddr)
	if err := client.Ping(ctx); err == nil {
		logging.LogDebug("Using daemon at %s", c.settings.ListenAddr)
		return client, func() {}, nil
	}

	env, err := c.openLocal()
	if err != nil {
		return nil, nil, err
	}
	return env.manager, func() {
		if err := env.Close(context.Background()); err != nil {
			logging.LogError("Shutdown failed: %v", err)
		}
	}, nil
}

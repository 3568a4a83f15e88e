package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/systemd_shim/libshim/cgroups"
	"github.com/systemd_shim/libshim/cgroups/cgmanager"
	"github.com/systemd_shim/libshim/cgroups/reaper"
	"github.com/systemd_shim/libshim/configs"
	"github.com/systemd_shim/libshim/configs/validate"
	"github.com/systemd_shim/libshim/manager"
	"github.com/systemd_shim/libshim/state"
	"github.com/systemd_shim/libshim/unit"
	"github.com/systemd_shim/libshim/virt"
)

// fatal prints the error's details and exits.
func fatal(err error) {
	logrus.Error(err)
	if !logrusToStderr() {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(1)
}

func logrusToStderr() bool {
	l, ok := logrus.StandardLogger().Out.(*os.File)
	return ok && l.Fd() == os.Stderr.Fd()
}

// loadConfig reads the configuration file and applies the flags that were
// set explicitly on top of it.
func loadConfig(context *cli.Context) (*configs.Config, error) {
	config, err := configs.Load(context.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if context.GlobalIsSet("backend-address") {
		config.BackendAddress = context.GlobalString("backend-address")
	}
	if context.GlobalIsSet("state-dir") {
		config.StateDir = context.GlobalString("state-dir")
	}
	if context.GlobalIsSet("scope-root") {
		config.ScopeRoot = context.GlobalString("scope-root")
	}
	if context.GlobalIsSet("stop-attempts") {
		config.StopAttempts = context.GlobalInt("stop-attempts")
	}
	if context.GlobalIsSet("user-hierarchy") {
		config.UserHierarchy = unit.Hierarchy(context.GlobalString("user-hierarchy"))
	}
	if err := validate.Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// newManager wires the cgmanager backend, the unit factory and the state
// store behind the D-Bus manager.
func newManager(config *configs.Config, shared *cgmanager.Shared) *manager.Manager {
	dialer := cgmanager.AddressDialer{
		Address:    config.BackendAddress,
		MinVersion: config.MinAPIVersion,
	}
	store := state.New(config.StateDir)
	factory := &unit.Factory{
		Backend: shared,
		Dialer: unit.DialerFunc(func(ctx context.Context) (unit.Session, error) {
			conn, err := dialer.Dial(ctx)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}),
		Reaper:       reaper.New(shared, nil, config.ScopeRoot),
		Store:        store,
		StopAttempts: config.StopAttempts,
		Hierarchy:    config.UserHierarchy,
	}
	return manager.New(manager.Opts{
		Factory:        factory,
		Scopes:         store,
		Virtualization: virt.Detect(),
	})
}

// moveSelf moves the shim out of whatever cgroup it was started in, so the
// login session that spawned it can be torn down.
func moveSelf(ctx context.Context, shared *cgmanager.Shared) {
	if unified, err := cgroups.IsCgroup2UnifiedMode(""); err != nil {
		logrus.WithError(err).Warn("unable to determine the cgroup layout")
	} else if unified {
		logrus.Warn("cgroup v2 unified hierarchy detected; cgmanager requires cgroup v1")
	}
	if current, err := cgroups.ParseCgroupFile("/proc/self/cgroup"); err == nil {
		logrus.Debugf("started in cgroups %v", current)
	}
	shared.MovePidAbsAsync(ctx, cgmanager.ControllerAll, "/", unix.Getpid())
}

func run(context *cli.Context) error {
	if manager.IsRunningSystemd() && !context.GlobalBool("force") {
		return errors.New("systemd is running; refusing to take over its bus name (use --force to override)")
	}
	config, err := loadConfig(context)
	if err != nil {
		return err
	}

	ctx, stop := notifyContext()
	defer stop()

	shared := cgmanager.NewShared(cgmanager.AddressDialer{
		Address:    config.BackendAddress,
		MinVersion: config.MinAPIVersion,
	})
	defer shared.Close()

	moveSelf(ctx, shared)
	if shared.State() == cgmanager.Failed {
		logrus.Warn("cgmanager is unavailable; slices and scopes will not be managed")
	}

	m := newManager(config, shared)
	if err := m.Serve(ctx, config.BusName); err != nil {
		return err
	}
	logrus.Info("shutting down")
	return nil
}

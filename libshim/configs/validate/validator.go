package validate

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/systemd_shim/libshim/configs"
	"github.com/systemd_shim/libshim/unit"
)

type check func(config *configs.Config) error

func Validate(config *configs.Config) error {
	checks := []check{
		backend,
		stateDir,
		scopeRoot,
		stopAttempts,
		userHierarchy,
		busName,
	}
	for _, c := range checks {
		if err := c(config); err != nil {
			return err
		}
	}
	return nil
}

func backend(config *configs.Config) error {
	if config.BackendAddress == "" {
		return errors.New("backend_address must be set")
	}
	if config.MinAPIVersion < 1 {
		return fmt.Errorf("invalid min_api_version %d", config.MinAPIVersion)
	}
	return nil
}

// stateDir validates that the state directory is an absolute, clean path.
func stateDir(config *configs.Config) error {
	if !filepath.IsAbs(config.StateDir) || filepath.Clean(config.StateDir) != config.StateDir {
		return fmt.Errorf("invalid state_dir %q: not an absolute, clean path", config.StateDir)
	}
	return nil
}

// scopeRoot is sent to cgmanager as is, so it has to be relative.
func scopeRoot(config *configs.Config) error {
	if config.ScopeRoot == "" || strings.HasPrefix(config.ScopeRoot, "/") {
		return fmt.Errorf("invalid scope_root %q: must be a relative cgroup path", config.ScopeRoot)
	}
	return nil
}

func stopAttempts(config *configs.Config) error {
	if config.StopAttempts < 1 {
		return fmt.Errorf("invalid stop_attempts %d", config.StopAttempts)
	}
	return nil
}

func userHierarchy(config *configs.Config) error {
	switch config.UserHierarchy {
	case unit.HierarchySlice, unit.HierarchyLegacy:
		return nil
	}
	return fmt.Errorf("invalid user_hierarchy %q", config.UserHierarchy)
}

func busName(config *configs.Config) error {
	if config.BusName == "" {
		return errors.New("bus_name must be set")
	}
	return nil
}

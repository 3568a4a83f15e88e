package configs

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/systemd_shim/libshim/cgroups/cgmanager"
	"github.com/systemd_shim/libshim/cgroups/reaper"
	"github.com/systemd_shim/libshim/state"
	"github.com/systemd_shim/libshim/unit"
)

const DefaultBusName = "org.freedesktop.systemd1"

// Config defines how the shim reaches cgmanager and where it keeps its state.
type Config struct {
	// BackendAddress is the D-Bus address of cgmanager's socket.
	BackendAddress string `yaml:"backend_address"`

	// MinAPIVersion is the lowest cgmanager API version the shim accepts.
	MinAPIVersion int32 `yaml:"min_api_version"`

	// StateDir holds one file per transient scope, recording its cgroup
	// path until the scope is abandoned. It should be on a tmpfs.
	StateDir string `yaml:"state_dir"`

	// ScopeRoot is where the login manager creates user slices and
	// session scopes. Stop searches below it.
	ScopeRoot string `yaml:"scope_root"`

	// StopAttempts bounds the search-and-kill passes of a stop request.
	StopAttempts int `yaml:"stop_attempts"`

	// UserHierarchy is "slice" for user-<uid>.slice/session-<n>.scope or
	// "legacy" for /user/<uid>.user/c<n>.session.
	UserHierarchy unit.Hierarchy `yaml:"user_hierarchy"`

	// BusName is the well-known name claimed on the system bus.
	BusName string `yaml:"bus_name"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		BackendAddress: cgmanager.DefaultAddress,
		MinAPIVersion:  cgmanager.MinAPIVersion,
		StateDir:       state.DefaultDir,
		ScopeRoot:      reaper.DefaultRoot,
		StopAttempts:   unit.DefaultStopAttempts,
		UserHierarchy:  unit.HierarchySlice,
		BusName:        DefaultBusName,
	}
}

// Load reads the YAML file at path on top of the defaults. A missing file
// is not an error.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return config, nil
}

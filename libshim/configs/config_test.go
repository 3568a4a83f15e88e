package configs

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/systemd_shim/libshim/unit"
)

func TestLoadMissingFile(t *testing.T) {
	config, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(config, Default()))
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shim.yaml")
	err := os.WriteFile(path, []byte(`
state_dir: /run/shim-test
stop_attempts: 3
user_hierarchy: legacy
`), 0o600)
	assert.NilError(t, err)

	config, err := Load(path)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(config.StateDir, "/run/shim-test"))
	assert.Check(t, is.Equal(config.StopAttempts, 3))
	assert.Check(t, is.Equal(config.UserHierarchy, unit.HierarchyLegacy))
	// Untouched fields keep their defaults.
	assert.Check(t, is.Equal(config.ScopeRoot, "user.slice"))
	assert.Check(t, is.Equal(config.BusName, DefaultBusName))
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shim.yaml")
	assert.NilError(t, os.WriteFile(path, []byte("stop_attempts: [1, 2"), 0o600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "parsing")
}

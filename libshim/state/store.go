// Package state remembers where transient scopes were created so they can
// be found again when they are abandoned.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/moby/sys/atomicwriter"
)

const DefaultDir = "/run/systemd-shim"

// Store keeps one file per unit in Dir holding the unit's cgroup path.
type Store struct {
	Dir string
}

func New(dir string) *Store {
	if dir == "" {
		dir = DefaultDir
	}
	return &Store{Dir: dir}
}

func (s *Store) path(unit string) (string, error) {
	if unit == "" || unit == "." || unit == ".." || strings.ContainsRune(unit, '/') {
		return "", fmt.Errorf("invalid unit name %q: %w", unit, errdefs.ErrInvalidArgument)
	}
	return securejoin.SecureJoin(s.Dir, unit)
}

// Put records that unit lives at cgroupPath.
func (s *Store) Put(unit, cgroupPath string) error {
	p, err := s.path(unit)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	if err := atomicwriter.WriteFile(p, []byte(cgroupPath), 0o600); err != nil {
		return fmt.Errorf("storing scope %s: %w", unit, err)
	}
	return nil
}

// Get returns the cgroup path recorded for unit.
func (s *Store) Get(unit string) (string, error) {
	p, err := s.path(unit)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("no recorded cgroup for %s: %w", unit, errdefs.ErrNotFound)
		}
		return "", fmt.Errorf("recalling scope %s: %w", unit, err)
	}
	return string(b), nil
}

// Delete forgets unit. Forgetting an unknown unit is not an error.
func (s *Store) Delete(unit string) error {
	p, err := s.path(unit)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("forgetting scope %s: %w", unit, err)
	}
	return nil
}

// List returns the names of all recorded units.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var units []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			units = append(units, filepath.Base(e.Name()))
		}
	}
	return units, nil
}

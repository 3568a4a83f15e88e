package cgmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"
)

// State of the process-wide connection.
type State int

const (
	Unset State = iota
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unset"
	}
}

// Shared is the lazily established, process-wide cgmanager connection used
// for fire-and-forget calls and discovery. A failed connection attempt is
// remembered and never retried, so a dead cgmanager is not hammered on every
// request.
type Shared struct {
	dialer Dialer

	mu    sync.Mutex
	state State
	conn  *Conn
	err   error
}

func NewShared(dialer Dialer) *Shared {
	return &Shared{dialer: dialer}
}

// Get returns the connection, dialing it on first use.
func (s *Shared) Get(ctx context.Context) (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Unset {
		s.conn, s.err = s.dialer.Dial(ctx)
		if s.err != nil {
			logrus.WithError(s.err).Warn("could not connect to cgmanager")
			s.state = Failed
		} else {
			s.state = Connected
		}
	}
	return s.conn, s.err
}

func (s *Shared) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close drops the connection. The Shared stays unusable afterwards.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Unset {
		s.state = Failed
		s.err = fmt.Errorf("cgmanager connection closed: %w", errdefs.ErrUnavailable)
		return nil
	}
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.state = Failed
	s.err = fmt.Errorf("cgmanager connection closed: %w", errdefs.ErrUnavailable)
	return err
}

// async runs fn against the connection, or does nothing if there is none.
func (s *Shared) async(ctx context.Context, fn func(c *Conn)) {
	c, err := s.Get(ctx)
	if err != nil {
		return
	}
	fn(c)
}

func (s *Shared) CreateAsync(ctx context.Context, controller, path string) {
	s.async(ctx, func(c *Conn) { c.CreateAsync(controller, path) })
}

func (s *Shared) ChownAsync(ctx context.Context, controller, path string, uid, gid int) {
	s.async(ctx, func(c *Conn) { c.ChownAsync(controller, path, uid, gid) })
}

func (s *Shared) MovePidAsync(ctx context.Context, controller, path string, pid int) {
	s.async(ctx, func(c *Conn) { c.MovePidAsync(controller, path, pid) })
}

func (s *Shared) MovePidAbsAsync(ctx context.Context, controller, path string, pid int) {
	s.async(ctx, func(c *Conn) { c.MovePidAbsAsync(controller, path, pid) })
}

func (s *Shared) RemoveOnEmptyAsync(ctx context.Context, controller, path string) {
	s.async(ctx, func(c *Conn) { c.RemoveOnEmptyAsync(controller, path) })
}

func (s *Shared) Remove(ctx context.Context, controller, path string, recursive bool) (bool, error) {
	c, err := s.Get(ctx)
	if err != nil {
		return false, err
	}
	return c.Remove(ctx, controller, path, recursive)
}

func (s *Shared) ListChildren(ctx context.Context, controller, path string) ([]string, error) {
	c, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	return c.ListChildren(ctx, controller, path)
}

func (s *Shared) GetTasks(ctx context.Context, controller, path string) ([]int32, error) {
	c, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	return c.GetTasks(ctx, controller, path)
}

func (s *Shared) Exists(ctx context.Context, controller, path string) bool {
	c, err := s.Get(ctx)
	if err != nil {
		return false
	}
	return c.Exists(ctx, controller, path)
}

//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager owns one system bus connection.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

func New(ctx context.Context) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) connection() (*dbus.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, ErrClosed
	}
	return m.conn, nil
}

// Start queues a start job and waits for its result.
func (m *Manager) Start(ctx context.Context, name string) error {
	return m.run(ctx, "start", name, func(c *dbus.Conn, unit string, ch chan<- string) (int, error) {
		return c.StartUnitContext(ctx, unit, "replace", ch)
	})
}

// Stop queues a stop job and waits for its result.
func (m *Manager) Stop(ctx context.Context, name string) error {
	return m.run(ctx, "stop", name, func(c *dbus.Conn, unit string, ch chan<- string) (int, error) {
		return c.StopUnitContext(ctx, unit, "replace", ch)
	})
}

func (m *Manager) run(ctx context.Context, op, name string, queue func(*dbus.Conn, string, chan<- string) (int, error)) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	unit := UnitName(name)
	ch := make(chan string, 1)
	if _, err := queue(conn, unit, ch); err != nil {
		if isNoSuchUnitErr(err) {
			return fmt.Errorf("%w: %s", ErrNoSuchUnit, unit)
		}
		return fmt.Errorf("%s %s: %w", op, unit, err)
	}
	select {
	case res := <-ch:
		return checkJob(unit, op, JobResult(res))
	case <-ctx.Done():
		return fmt.Errorf("%s %s: waiting for job: %w", op, unit, ctx.Err())
	}
}

// Status reads the unit's state properties.
func (m *Manager) Status(ctx context.Context, name string) (UnitStatus, error) {
	conn, err := m.connection()
	if err != nil {
		return UnitStatus{}, err
	}
	unit := UnitName(name)
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return UnitStatus{Name: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
		}
		return UnitStatus{}, fmt.Errorf("status %s: %w", unit, err)
	}
	return UnitStatus{
		Name:        unit,
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		Description: stringProp(props, "Description"),
		StateChange: timestampProp(props, "StateChangeTimestamp"),
	}, nil
}

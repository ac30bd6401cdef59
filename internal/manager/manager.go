// Package manager implements the Instance Manager: the daemon-wide
// registry of Instance Actors, covering create/list/get/stop/remove and
// the prefix-based name resolution clients use to refer to an instance by
// a short, typeable ID.
package manager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"syscall"

	"crabcity/internal/instance"
	"crabcity/internal/wire"
)

// ErrNotFound is returned when no instance matches the given id or prefix.
var ErrNotFound = errors.New("manager: no matching instance")

// ErrAmbiguous is returned when a prefix matches more than one instance.
var ErrAmbiguous = errors.New("manager: prefix matches more than one instance")

// ErrConflict is returned by Remove when the resolved instance is still
// running; it must be stopped first.
var ErrConflict = errors.New("manager: instance is still running")

// idAlphabet mirrors the short, typeable instance IDs of the daemon this
// package is modeled on: digits first, then lowercase letters.
var idAlphabet = []string{
	"1", "2", "3", "4", "5", "6", "7", "8", "9",
	"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m",
	"n", "o", "p", "q", "r", "s", "t", "u", "v", "w", "x", "y", "z",
}

// CreateSpec describes a new instance to spawn.
type CreateSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
	Cols    int
	Rows    int
}

// Manager owns every live Instance Actor in the daemon.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*instance.Actor
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{instances: make(map[string]*instance.Actor)}
}

// Create spawns a new instance and registers it under a freshly allocated
// ID.
func (m *Manager) Create(spec CreateSpec) (*instance.Actor, error) {
	m.mu.Lock()
	id := m.nextID()
	m.mu.Unlock()

	act, err := instance.Spawn(instance.Config{
		ID:      id,
		Name:    spec.Name,
		Command: spec.Command,
		Args:    spec.Args,
		Env:     spec.Env,
		Cwd:     spec.Cwd,
		Cols:    spec.Cols,
		Rows:    spec.Rows,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.instances[id] = act
	m.mu.Unlock()
	return act, nil
}

// nextID returns the lowest unused instance ID. Must be called with m.mu
// held.
func (m *Manager) nextID() string {
	for _, id := range idAlphabet {
		if _, taken := m.instances[id]; !taken {
			return id
		}
	}
	for _, a := range idAlphabet {
		for _, b := range idAlphabet {
			id := a + b
			if _, taken := m.instances[id]; !taken {
				return id
			}
		}
	}
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// List returns every instance's current summary.
func (m *Manager) List(ctx context.Context) []wire.InstanceSummary {
	m.mu.RLock()
	actors := make([]*instance.Actor, 0, len(m.instances))
	for _, act := range m.instances {
		actors = append(actors, act)
	}
	m.mu.RUnlock()

	out := make([]wire.InstanceSummary, 0, len(actors))
	for _, act := range actors {
		s, err := act.Describe(ctx)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Get resolves idOrPrefix to exactly one instance: an exact ID match wins
// outright, otherwise a unique prefix match is used.
func (m *Manager) Get(idOrPrefix string) (*instance.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if act, ok := m.instances[idOrPrefix]; ok {
		return act, nil
	}

	var match *instance.Actor
	count := 0
	for id, act := range m.instances {
		if hasPrefix(id, idOrPrefix) {
			match = act
			count++
		}
	}
	switch count {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrNotFound, idOrPrefix)
	case 1:
		return match, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrAmbiguous, idOrPrefix)
	}
}

func hasPrefix(id, prefix string) bool {
	if len(prefix) == 0 || len(prefix) > len(id) {
		return false
	}
	return id[:len(prefix)] == prefix
}

// Stop sends a termination signal to the resolved instance's child process.
// The instance remains registered (and resolvable) until explicitly
// removed, so late subscribers can still see its final state.
func (m *Manager) Stop(ctx context.Context, idOrPrefix string, signal syscall.Signal) error {
	act, err := m.Get(idOrPrefix)
	if err != nil {
		return err
	}
	return act.Kill(ctx, signal)
}

// Remove forgets the resolved instance, draining its actor goroutine first.
// It returns ErrConflict if the instance is still running: callers must
// Stop it (or wait for it to exit on its own) before it can be removed.
func (m *Manager) Remove(ctx context.Context, idOrPrefix string) error {
	act, err := m.Get(idOrPrefix)
	if err != nil {
		return err
	}
	summary, err := act.Describe(ctx)
	if err != nil {
		return err
	}
	if summary.Status == "running" {
		return fmt.Errorf("%w: %q", ErrConflict, act.ID())
	}
	if err := act.Shutdown(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.instances, act.ID())
	m.mu.Unlock()
	return nil
}

// ShutdownAll gracefully drains every registered instance concurrently,
// used by the daemon's own shutdown sequence.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.RLock()
	actors := make([]*instance.Actor, 0, len(m.instances))
	for _, act := range m.instances {
		actors = append(actors, act)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, act := range actors {
		wg.Add(1)
		go func(a *instance.Actor) {
			defer wg.Done()
			_ = a.Shutdown(ctx)
		}(act)
	}
	wg.Wait()
}

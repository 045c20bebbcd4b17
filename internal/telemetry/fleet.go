package telemetry

import (
	"log/slog"
	"sync"
	"time"
)

// Fleet owns one Client/State pair per managed printer, keyed by serial.
type Fleet struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	cooldown time.Duration
}

func NewFleet() *Fleet {
	return &Fleet{clients: make(map[string]*Client), cooldown: DefaultCooldown}
}

// NewFleetWithCooldown is NewFleet with an operator-configured cooldown
// applied to every printer's State instead of DefaultCooldown.
func NewFleetWithCooldown(cooldown time.Duration) *Fleet {
	return &Fleet{clients: make(map[string]*Client), cooldown: cooldown}
}

// AddPrinter opens a telemetry session for serial if one isn't already
// running. Calling it again for an already-managed serial is a no-op: no
// duplicate session is created.
func (f *Fleet) AddPrinter(host, accessCode, serial string) *State {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[serial]; ok {
		return c.State()
	}

	state := NewState(serial)
	state.Cooldown = f.cooldown
	client := New(host, accessCode, serial, state)
	f.clients[serial] = client

	if err := client.Connect(); err != nil {
		slog.Error("connecting telemetry session", "serial", serial, "error", err)
	}

	return state
}

// RemovePrinter tears down the session for serial, if any, and forgets its
// State. This is the eager-teardown choice for printer deletion.
func (f *Fleet) RemovePrinter(serial string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.clients[serial]
	if !ok {
		return
	}
	c.Disconnect()
	delete(f.clients, serial)
}

// State returns the State for serial, or nil if it isn't managed.
func (f *Fleet) State(serial string) *State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.clients[serial]
	if !ok {
		return nil
	}
	return c.State()
}

// PrintPublisher is the narrow surface the dispatcher needs from a
// printer's telemetry session: the ability to push a start-print command.
type PrintPublisher interface {
	PublishPrint(PrintParams) bool
}

// Client returns the PrintPublisher for serial, or nil if it isn't
// managed. Returned as an interface (rather than *Client) so callers never
// have to import the concrete client type just to check for nil.
func (f *Fleet) Client(serial string) PrintPublisher {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.clients[serial]
	if !ok {
		return nil
	}
	return c
}

// Snapshots returns a Snapshot for every managed printer.
func (f *Fleet) Snapshots() []Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(f.clients))
	for _, c := range f.clients {
		snapshots = append(snapshots, c.State().Snapshot())
	}
	return snapshots
}

// Shutdown tears down every managed session, used at process teardown.
func (f *Fleet) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for serial, c := range f.clients {
		c.Disconnect()
		delete(f.clients, serial)
	}
}

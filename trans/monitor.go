package trans

import (
	"context"
	log "log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sharedcode/glassdb"
)

// ActiveEntry is a transaction that may still read old versions.
type ActiveEntry struct {
	ID        glassdb.UUID
	Oldest    glassdb.Version
	StartedAt time.Time
}

// Monitor tracks the active transactions and computes the watermark: the
// oldest version any of them might still need. Versions below it that are
// not the latest of their key can be collected.
type Monitor struct {
	tlog   *TLogger
	clock  glassdb.Clock
	logger *log.Logger

	mu        sync.Mutex
	active    map[glassdb.UUID]*ActiveEntry
	watermark glassdb.Version
}

// NewMonitor creates a Monitor. "Now" is the current version of tlog.
func NewMonitor(tlog *TLogger, clock glassdb.Clock, logger *log.Logger) *Monitor {
	if clock == nil {
		clock = glassdb.SystemClock()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		tlog:   tlog,
		clock:  clock,
		logger: logger,
		active: make(map[glassdb.UUID]*ActiveEntry),
	}
}

func (m *Monitor) pin(oldest glassdb.Version) glassdb.Version {
	if oldest == glassdb.NoVersion {
		return m.tlog.Current()
	}
	return oldest
}

// Register adds id as active with the given oldest read, or "now" when
// oldest is NoVersion. Registering an active id only lowers its oldest read.
func (m *Monitor) Register(id glassdb.UUID, oldest glassdb.Version) {
	oldest = m.pin(oldest)
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.active[id]; ok {
		if oldest < e.Oldest {
			e.Oldest = oldest
		}
		return
	}
	m.active[id] = &ActiveEntry{
		ID:        id,
		Oldest:    oldest,
		StartedAt: m.clock.Now(),
	}
}

// Update replaces the oldest read of an active id, "now" when oldest is NoVersion.
func (m *Monitor) Update(id glassdb.UUID, oldest glassdb.Version) {
	oldest = m.pin(oldest)
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.active[id]; ok {
		e.Oldest = oldest
	}
}

// Observe lowers the oldest read of id to v, if v is older.
func (m *Monitor) Observe(id glassdb.UUID, v glassdb.Version) {
	if v == glassdb.NoVersion {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.active[id]; ok && v < e.Oldest {
		e.Oldest = v
	}
}

// Unregister removes id. Unknown ids are ignored.
func (m *Monitor) Unregister(id glassdb.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// Tick recomputes the watermark and returns it. The reported watermark never
// goes backwards.
func (m *Monitor) Tick() glassdb.Version {
	now := m.tlog.Current()
	m.mu.Lock()
	defer m.mu.Unlock()
	wm := now
	for _, e := range m.active {
		if e.Oldest < wm {
			wm = e.Oldest
		}
	}
	if wm < m.watermark {
		m.logger.Debug("watermark held", "computed", wm, "reported", m.watermark)
		wm = m.watermark
	}
	m.watermark = wm
	return wm
}

// Watermark returns the last computed watermark.
func (m *Monitor) Watermark() glassdb.Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark
}

// Active returns a snapshot of the active entries, oldest start first.
func (m *Monitor) Active() []ActiveEntry {
	m.mu.Lock()
	r := make([]ActiveEntry, 0, len(m.active))
	for _, e := range m.active {
		r = append(r, *e)
	}
	m.mu.Unlock()
	slices.SortFunc(r, func(a, b ActiveEntry) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})
	return r
}

// Start refreshes the watermark every interval until bg is closed.
func (m *Monitor) Start(bg *glassdb.Background, interval time.Duration) {
	bg.Every("monitor", interval, func(ctx context.Context) error {
		m.Tick()
		return nil
	})
}

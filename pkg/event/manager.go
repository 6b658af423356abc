package event

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Manager keeps the two ordered event logs. Appends from concurrent
// connection handlers still yield a time-ordered read because entries
// are keyed by the record's sys-epoch time, not by arrival.
type Manager struct {
	mu       sync.RWMutex
	access   []*Event
	security []*Event

	lastAccessUpdate   string
	lastSecurityUpdate string

	logger *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// Append stores the event in the access or security log depending on
// its kind. Events without a log record are ignored.
func (m *Manager) Append(e *Event) {
	if e == nil || e.Log == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch e.Kind {
	case KindAuthorized:
		m.access = insertOrdered(m.access, e)
		m.lastAccessUpdate = e.Log.CreationDate
	case KindUnauthorized:
		m.security = insertOrdered(m.security, e)
		m.lastSecurityUpdate = e.Log.CreationDate
	default:
		m.logger.Debug("event kind not journaled", zap.String("kind", string(e.Kind)))
	}
}

func insertOrdered(log []*Event, e *Event) []*Event {
	i := sort.Search(len(log), func(i int) bool {
		return log[i].Log.SysEpochTime > e.Log.SysEpochTime
	})
	log = append(log, nil)
	copy(log[i+1:], log[i:])
	log[i] = e
	return log
}

// AccessEvents returns the authorized events, ordered by time.
func (m *Manager) AccessEvents() []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Event, len(m.access))
	copy(out, m.access)
	return out
}

// SecurityEvents returns the unauthorized events, ordered by time.
func (m *Manager) SecurityEvents() []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Event, len(m.security))
	copy(out, m.security)
	return out
}

// Find looks an event up by id across both logs. Used to serve the
// security page for a /block?token=... request.
func (m *Manager) Find(id string) *Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.security {
		if e.ID == id {
			return e
		}
	}
	for _, e := range m.access {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// Distribution maps every classifier to the number of security events
// it headlines.
func (m *Manager) Distribution() map[Classifier]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dist := make(map[Classifier]int, len(Classifiers))
	for _, c := range Classifiers {
		dist[c] = 0
	}
	for _, e := range m.security {
		if len(e.Log.Classifiers) > 0 {
			dist[e.Log.Classifiers[0]]++
		}
	}
	return dist
}

// ServiceReport summarizes the manager for the services tunnel update.
type ServiceReport struct {
	CacheSize          int    `json:"cache_size"`
	AccessEventsSize   int    `json:"access_events_size"`
	SecurityEventsSize int    `json:"security_events_size"`
	LastAccessUpdate   string `json:"last_access_update"`
	LastSecurityUpdate string `json:"last_security_update"`
}

func (m *Manager) Report() ServiceReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ServiceReport{
		CacheSize:          len(m.access) + len(m.security),
		AccessEventsSize:   len(m.access),
		SecurityEventsSize: len(m.security),
		LastAccessUpdate:   m.lastAccessUpdate,
		LastSecurityUpdate: m.lastSecurityUpdate,
	}
}

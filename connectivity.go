package offline

import "sync"

// Connectivity is the host's network signal. Subscribers are told about
// every transition; Online reports the current state.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

type subscribers struct {
	subMu sync.Mutex
	next  int
	fns   map[int]func(bool)
}

func (s *subscribers) Subscribe(fn func(online bool)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(bool))
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.fns, id)
			s.subMu.Unlock()
		})
	}
}

func (s *subscribers) notify(online bool) {
	s.subMu.Lock()
	fns := make([]func(bool), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() { recover() }()
			fn(online)
		}()
	}
}

// ManualConnectivity is a Connectivity the host drives directly, e.g. from
// platform reachability callbacks or a command-line flag.
type ManualConnectivity struct {
	subscribers

	mu     sync.Mutex
	online bool
}

// NewManualConnectivity creates a source in the given initial state.
func NewManualConnectivity(online bool) *ManualConnectivity {
	return &ManualConnectivity{online: online}
}

// Online returns the current state.
func (m *ManualConnectivity) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the state and notifies subscribers on a change.
func (m *ManualConnectivity) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	m.notify(online)
}

// Package dynsub implements the dynamic-subscription engine (§4.7): it
// processes service-originated subscription.create/subscription.delete
// requests observed on deliver, and maintains the side-table that survives
// broker-side clean-session eviction so delete-events can still be emitted.
package dynsub

import (
	"strings"
	"sync"
)

// Data is the DynSub record payload: the app, topic-tail object, and the
// version implied by the subject's Client-ID.
type Data struct {
	App     string
	Object  []string
	Version string
}

func (d Data) key() string {
	return d.Version + "\x00" + d.App + "\x00" + strings.Join(d.Object, "/")
}

// State is the concurrent subject -> set<Data> side-table (§5: linearizable
// per subject, no cross-subject transactions required).
type State struct {
	mu sync.Mutex
	m  map[string]map[string]Data
}

// NewState returns an empty side-table.
func NewState() *State {
	return &State{m: make(map[string]map[string]Data)}
}

// Put records (subject, data).
func (s *State) Put(subject string, data Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[subject] == nil {
		s.m[subject] = make(map[string]Data)
	}
	s.m[subject][data.key()] = data
}

// Remove deletes (subject, data) if present.
func (s *State) Remove(subject string, data Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.m[subject]
	if !ok {
		return
	}
	delete(set, data.key())
	if len(set) == 0 {
		delete(s.m, subject)
	}
}

// Get returns a consistent snapshot of the records for subject.
func (s *State) Get(subject string) []Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.m[subject]
	if !ok {
		return nil
	}
	out := make([]Data, 0, len(set))
	for _, d := range set {
		out = append(out, d)
	}
	return out
}

// Count returns the total number of tracked records across all subjects,
// for the gateway_dynsub_active gauge.
func (s *State) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, set := range s.m {
		n += len(set)
	}
	return n
}

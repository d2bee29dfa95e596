package nio

import (
	"sort"
	"sync"
	"time"
)

// TaskObserver receives task notifications keyed by group. The Prometheus
// task metrics implement it.
type TaskObserver interface {
	TaskStarted(group string)
	TaskCompleted(group string, ok bool, d time.Duration)
}

// CompletionEntry is one finished task.
type CompletionEntry struct {
	Task     TaskIdentifier `json:"task"`
	OK       bool           `json:"ok"`
	Duration time.Duration  `json:"duration"`
}

// TotalTimeSpent sums the completions of a group.
type TotalTimeSpent struct {
	Successful int64         `json:"successful"`
	Failures   int64         `json:"failures"`
	Total      time.Duration `json:"total"`
}

// GroupSnapshot is the state of one task group.
type GroupSnapshot struct {
	Pending []TaskIdentifier  `json:"pending"`
	Latest  []CompletionEntry `json:"latest"`
	Longest []CompletionEntry `json:"longest"`
	Total   TotalTimeSpent    `json:"total"`
}

// StatisticsHolder keeps in-memory task statistics: the pending tasks,
// the most recent and the longest completions, and the total time spent,
// all per group.
type StatisticsHolder struct {
	keep     int
	observer TaskObserver

	mu      sync.Mutex
	pending map[string][]TaskIdentifier
	latest  map[string][]CompletionEntry
	longest map[string][]CompletionEntry
	total   map[string]*TotalTimeSpent
}

// NewStatisticsHolder keeps the last and longest keep completions per
// group. The observer may be nil.
func NewStatisticsHolder(keep int, observer TaskObserver) *StatisticsHolder {
	if keep <= 0 {
		keep = 10
	}

	return &StatisticsHolder{
		keep:     keep,
		observer: observer,
		pending:  make(map[string][]TaskIdentifier),
		latest:   make(map[string][]CompletionEntry),
		longest:  make(map[string][]CompletionEntry),
		total:    make(map[string]*TotalTimeSpent),
	}
}

func (s *StatisticsHolder) TaskStarted(id TaskIdentifier) {
	s.mu.Lock()
	s.pending[id.Group] = append(s.pending[id.Group], id)
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.TaskStarted(id.Group)
	}
}

func (s *StatisticsHolder) TaskCompleted(id TaskIdentifier, ok bool, d time.Duration) {
	entry := CompletionEntry{Task: id, OK: ok, Duration: d}

	s.mu.Lock()
	s.removePending(id)

	latest := append(s.latest[id.Group], entry)
	if len(latest) > s.keep {
		latest = latest[len(latest)-s.keep:]
	}
	s.latest[id.Group] = latest

	s.addLongest(entry)

	tot := s.total[id.Group]
	if tot == nil {
		tot = &TotalTimeSpent{}
		s.total[id.Group] = tot
	}
	if ok {
		tot.Successful++
	} else {
		tot.Failures++
	}
	tot.Total += d
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.TaskCompleted(id.Group, ok, d)
	}
}

func (s *StatisticsHolder) removePending(id TaskIdentifier) {
	list := s.pending[id.Group]
	for i, p := range list {
		if p == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}

	if len(list) == 0 {
		delete(s.pending, id.Group)
		return
	}
	s.pending[id.Group] = list
}

// addLongest keeps the list sorted, longest first.
func (s *StatisticsHolder) addLongest(entry CompletionEntry) {
	list := s.longest[entry.Task.Group]
	if len(list) == s.keep && list[len(list)-1].Duration >= entry.Duration {
		return
	}

	i := sort.Search(len(list), func(i int) bool { return list[i].Duration < entry.Duration })
	list = append(list, CompletionEntry{})
	copy(list[i+1:], list[i:])
	list[i] = entry
	if len(list) > s.keep {
		list = list[:s.keep]
	}
	s.longest[entry.Task.Group] = list
}

// Snapshot copies the current statistics.
func (s *StatisticsHolder) Snapshot() map[string]GroupSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make(map[string]GroupSnapshot)

	for g, list := range s.pending {
		gs := groups[g]
		gs.Pending = append([]TaskIdentifier(nil), list...)
		groups[g] = gs
	}
	for g, list := range s.latest {
		gs := groups[g]
		gs.Latest = append([]CompletionEntry(nil), list...)
		groups[g] = gs
	}
	for g, list := range s.longest {
		gs := groups[g]
		gs.Longest = append([]CompletionEntry(nil), list...)
		groups[g] = gs
	}
	for g, tot := range s.total {
		gs := groups[g]
		gs.Total = *tot
		groups[g] = gs
	}

	return groups
}

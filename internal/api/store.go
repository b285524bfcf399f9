package api

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Run states.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is the public record of one quantization run.
type Run struct {
	ID          string `json:"id"`
	Model       string `json:"model"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
	Error       string `json:"error,omitempty"`
	Report      any    `json:"report,omitempty"`
}

type RunStore struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]*Run),
	}
}

// Start records a running run.
func (s *RunStore) Start(id, model string, now time.Time) Run {
	run := &Run{ID: id, Model: model, Status: StatusRunning, CreatedAt: now.Unix()}
	s.mu.Lock()
	s.runs[id] = run
	s.mu.Unlock()
	return *run
}

// Finish marks a run completed with its report, or failed when err is set.
func (s *RunStore) Finish(id string, report any, err error, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false
	}
	done := now.Unix()
	run.CompletedAt = &done
	run.Report = report
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
	} else {
		run.Status = StatusCompleted
	}
	return true
}

func (s *RunStore) Get(id string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// List returns every run, oldest first.
func (s *RunStore) List() []Run {
	s.mu.Lock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Run) int {
		if a.CreatedAt != b.CreatedAt {
			return int(a.CreatedAt - b.CreatedAt)
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

package shared

import (
	"fmt"
	"sync"
)

// DefaultMessageCap bounds the number of messages kept on a RunSummary.
const DefaultMessageCap = 20

// RunSummary is the user-visible outcome of a batch operation.
type RunSummary struct {
	Created  int      `json:"created"`
	Updated  int      `json:"updated"`
	Skipped  int      `json:"skipped"`
	Deleted  int      `json:"deleted,omitempty"`
	Errors   int      `json:"errors"`
	DryRun   bool     `json:"dry_run"`
	Canceled bool     `json:"canceled,omitempty"`
	Messages []string `json:"messages,omitempty"`
	// Truncated counts messages dropped once the cap was reached.
	Truncated int `json:"truncated_messages,omitempty"`

	cap int
	mu  sync.Mutex
}

// NewRunSummary returns a summary keeping at most messageCap messages.
func NewRunSummary(messageCap int, dryRun bool) *RunSummary {
	if messageCap <= 0 {
		messageCap = DefaultMessageCap
	}
	return &RunSummary{cap: messageCap, DryRun: dryRun}
}

// AddCreated increments the created counter.
func (s *RunSummary) AddCreated() {
	s.mu.Lock()
	s.Created++
	s.mu.Unlock()
}

// AddUpdated increments the updated counter.
func (s *RunSummary) AddUpdated() {
	s.mu.Lock()
	s.Updated++
	s.mu.Unlock()
}

// AddDeleted increments the deleted counter.
func (s *RunSummary) AddDeleted() {
	s.mu.Lock()
	s.Deleted++
	s.mu.Unlock()
}

// AddSkipped increments the skipped counter, optionally recording why.
func (s *RunSummary) AddSkipped(key, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Skipped++
	if reason != "" {
		s.appendLocked(fmt.Sprintf("skip %s: %s", key, reason))
	}
}

// AddError increments the error counter and records the message under the entity key.
func (s *RunSummary) AddError(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors++
	if err != nil {
		s.appendLocked(fmt.Sprintf("error %s: %v", key, err))
	}
}

// Merge folds another summary's counters and messages into s.
func (s *RunSummary) Merge(other *RunSummary) {
	if other == nil || other == s {
		return
	}
	other.mu.Lock()
	created, updated, skipped, deleted, errs := other.Created, other.Updated, other.Skipped, other.Deleted, other.Errors
	msgs := append([]string(nil), other.Messages...)
	truncated, canceled := other.Truncated, other.Canceled
	other.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Created += created
	s.Updated += updated
	s.Skipped += skipped
	s.Deleted += deleted
	s.Errors += errs
	s.Truncated += truncated
	s.Canceled = s.Canceled || canceled
	for _, m := range msgs {
		s.appendLocked(m)
	}
}

// Note records an informational message without touching counters.
func (s *RunSummary) Note(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(msg)
}

func (s *RunSummary) appendLocked(msg string) {
	limit := s.cap
	if limit <= 0 {
		limit = DefaultMessageCap
	}
	if len(s.Messages) >= limit {
		s.Truncated++
		return
	}
	s.Messages = append(s.Messages, msg)
}

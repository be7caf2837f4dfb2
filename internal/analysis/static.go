package analysis

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Static is an in-memory analysis client with a fixed verdict. Tests and
// offline runs use it in place of the real service.
type Static struct {
	mu          sync.Mutex
	score       float64
	passed      bool
	pollsToDone int
	submissions map[string]*submission
	err         error
}

type submission struct {
	artifactRef string
	polls       int
}

// NewStatic returns a stub that reports the given verdict for every
// submission, completing on the first poll.
func NewStatic(score float64, passed bool) *Static {
	return &Static{
		score:       score,
		passed:      passed,
		pollsToDone: 1,
		submissions: make(map[string]*submission),
	}
}

// SetVerdict changes the verdict reported for future polls.
func (s *Static) SetVerdict(score float64, passed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.score = score
	s.passed = passed
}

// SetPollsToDone makes results report Done only after n polls, to exercise
// polling loops.
func (s *Static) SetPollsToDone(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 {
		n = 1
	}
	s.pollsToDone = n
}

// Fail makes subsequent calls return err.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) Submit(ctx context.Context, artifactRef, ruleset string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	id := uuid.NewString()
	s.submissions[id] = &submission{artifactRef: artifactRef}
	return id, nil
}

func (s *Static) Result(ctx context.Context, id string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	sub, ok := s.submissions[id]
	if !ok {
		return nil, fmt.Errorf("unknown submission id %q", id)
	}
	sub.polls++
	if sub.polls < s.pollsToDone {
		return &Result{Done: false}, nil
	}
	return &Result{Done: true, Score: s.score, Passed: s.passed}, nil
}

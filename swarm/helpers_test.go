package swarm

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/horde/oracle"
)

// fakeClock is an injectable clock advanced manually by tests
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2023, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

// testSizes is the model table the test oracle answers from
var testSizes = map[string]float64{
	"M":            2.7,
	"gpt-neo-2.7B": 2.7,
	"gpt-j-6B":     6.0,
	"tiny-125M":    0.125,
}

// newTestStore builds an empty store on a temp dir with a fake clock
// and a fixed-table oracle
func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s := NewStore(Options{
		Dir:            t.TempDir(),
		Sizer:          oracle.Static{Sizes: testSizes},
		AllowAnonymous: true,
		Logger:         zap.NewNop().Sugar(),
		Now:            clock.Now,
	})
	if err := s.Load(""); err != nil {
		t.Fatalf("loading empty store: %v", err)
	}
	return s, clock
}

// checkedInWorker registers a worker and performs a first check-in with
// the given capacities
func checkedInWorker(t *testing.T, s *Store, owner *User, name, model string, maxLength, maxContentLength int, softprompts []string) *Worker {
	t.Helper()
	w := s.NewWorker(owner, name, softprompts)
	w.CheckIn(model, maxLength, maxContentLength, softprompts)
	return w
}

package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPromptDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")

	wp := s.NewPrompt(alice, "tell me a story", nil, PromptOptions{})

	assert.Equal(t, 1, wp.N)
	assert.Equal(t, defaultMaxLength, wp.MaxLength)
	assert.Equal(t, defaultMaxContentLength, wp.MaxContentLength)
	// No requested softprompts means "no softprompt needed"
	assert.Equal(t, []string{""}, wp.Softprompts)
}

func TestNewPromptClampsN(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")

	wp := s.NewPrompt(alice, "p", map[string]interface{}{"n": 50}, PromptOptions{})
	assert.Equal(t, maxGensPerPrompt, wp.N)
}

func TestNewPromptTotalUsage(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")

	wp := s.NewPrompt(alice, "p", map[string]interface{}{"n": 5, "max_length": 100}, PromptOptions{})
	assert.Equal(t, 0.0, wp.TotalUsage) // 500 tokens is below the rounding floor

	wp = s.NewPrompt(alice, "p", map[string]interface{}{"n": 20, "max_length": 2048}, PromptOptions{})
	assert.Equal(t, 0.04, wp.TotalUsage)
}

func TestPayloadInjectsPromptAndForcesSingleIteration(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")
	w := checkedInWorker(t, s, alice, "rig-1", "M", 80, 1024, nil)

	params := map[string]interface{}{"n": 3, "max_length": 80, "temperature": 0.8}
	wp := s.NewPrompt(alice, "tell me a story", params, PromptOptions{})
	wp.Activate()

	env := wp.StartGeneration(w, "")
	require.NotNil(t, env)
	assert.Equal(t, "tell me a story", env.Payload["prompt"])
	assert.Equal(t, 1, env.Payload["n"])
	assert.Equal(t, 0.8, env.Payload["temperature"])
	assert.NotEmpty(t, env.ID)
}

func TestDispatchAndDelivery(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")
	w := checkedInWorker(t, s, alice, "rig-1", "M", 80, 1024, []string{"foo-sp"})

	wp := s.NewPrompt(alice, "p",
		map[string]interface{}{"n": 2, "max_length": 80, "max_content_length": 1024},
		PromptOptions{Models: []string{"M"}, Softprompts: []string{"foo"}})
	wp.Activate()

	ok, _ := w.CanGenerate(wp)
	require.True(t, ok)

	first := wp.StartGeneration(w, "foo-sp")
	require.NotNil(t, first)
	second := wp.StartGeneration(w, "foo-sp")
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, first.Payload["n"])
	assert.Equal(t, "foo-sp", first.Softprompt)

	// Nothing left to hand out
	assert.Nil(t, wp.StartGeneration(w, "foo-sp"))
	assert.Zero(t, wp.N)
	assert.False(t, wp.IsCompleted())

	kudos := s.GetGeneration(first.ID).SetGeneration("hello")
	assert.Equal(t, 10.29, kudos) // round2(80 * 2.7 / 21)
	assert.False(t, wp.IsCompleted())

	s.GetGeneration(second.ID).SetGeneration("hello")
	assert.True(t, wp.IsCompleted())

	assert.Equal(t, 2, w.Fulfilments)
	assert.Equal(t, 160, w.Contributions)
	assert.Equal(t, 160, alice.Usage.Tokens)
	assert.Equal(t, 160, alice.Contributions.Tokens)
}

func TestSetGenerationIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")
	w := checkedInWorker(t, s, alice, "rig-1", "M", 80, 1024, nil)

	wp := s.NewPrompt(alice, "p", map[string]interface{}{"n": 1, "max_length": 80}, PromptOptions{})
	wp.Activate()

	env := wp.StartGeneration(w, "")
	require.NotNil(t, env)
	gen := s.GetGeneration(env.ID)

	first := gen.SetGeneration("hello")
	assert.Greater(t, first, 0.0)

	contributions := w.Contributions
	usage := alice.Usage
	kudos := alice.Kudos

	// Re-delivery returns 0 and changes nothing, not even the text
	assert.Zero(t, gen.SetGeneration("different text"))
	assert.Equal(t, "hello", gen.Generation)
	assert.Equal(t, contributions, w.Contributions)
	assert.Equal(t, usage, alice.Usage)
	assert.Equal(t, kudos, alice.Kudos)
}

func TestGenerationSnapshotsModel(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")
	w := checkedInWorker(t, s, alice, "rig-1", "M", 80, 1024, nil)

	wp := s.NewPrompt(alice, "p", map[string]interface{}{"n": 1, "max_length": 80}, PromptOptions{})
	wp.Activate()
	env := wp.StartGeneration(w, "")
	require.NotNil(t, env)

	// The worker switches models mid-flight; pricing uses the snapshot
	w.CheckIn("gpt-j-6B", 80, 1024, nil)

	gen := s.GetGeneration(env.ID)
	assert.Equal(t, "M", gen.Model)
	assert.Equal(t, 10.29, gen.SetGeneration("hello")) // still priced as 2.7B
}

func TestExpectedTimeLeft(t *testing.T) {
	s, clock := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")
	w := checkedInWorker(t, s, alice, "rig-1", "M", 80, 1024, nil)
	w.recordContribution(80, 1, 4) // average 4 tokens/sec

	wp := s.NewPrompt(alice, "p", map[string]interface{}{"n": 1, "max_length": 80}, PromptOptions{})
	wp.Activate()
	env := wp.StartGeneration(w, "")
	gen := s.GetGeneration(env.ID)

	// 80 tokens at 4 tokens/sec = 20s; 5s already elapsed
	clock.Advance(5 * time.Second)
	assert.Equal(t, 15.0, gen.ExpectedTimeLeft())

	// Overrunning the estimate clamps at zero
	clock.Advance(30 * time.Second)
	assert.Equal(t, 0.0, gen.ExpectedTimeLeft())

	gen.SetGeneration("done")
	assert.Equal(t, 0.0, gen.ExpectedTimeLeft())
}

func TestStatusCounts(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")
	w := checkedInWorker(t, s, alice, "rig-1", "M", 80, 1024, nil)

	wp := s.NewPrompt(alice, "p", map[string]interface{}{"n": 3, "max_length": 80}, PromptOptions{})
	wp.Activate()

	env := wp.StartGeneration(w, "")
	wp.StartGeneration(w, "")
	s.GetGeneration(env.ID).SetGeneration("hello")

	status := wp.Status(false)
	assert.Equal(t, 1, status.Finished)
	assert.Equal(t, 1, status.Processing)
	assert.Equal(t, 1, status.Waiting)
	assert.False(t, status.Done)

	require.Len(t, status.Generations, 1)
	assert.Equal(t, "hello", status.Generations[0].Text)
	assert.Equal(t, w.ID, status.Generations[0].ServerID)
	assert.Equal(t, "rig-1", status.Generations[0].ServerName)

	lite := wp.LiteStatus()
	assert.Empty(t, lite.Generations)
	assert.Equal(t, 1, lite.Finished)
}

func TestStatusQueuePositionByKudos(t *testing.T) {
	s, _ := newTestStore(t)
	a := s.NewUser("a", "oauth-a", "key-a", "")
	b := s.NewUser("b", "oauth-b", "key-b", "")
	a.Kudos = 100

	// B submits first, but A's kudos outrank arrival order
	bWP := s.NewPrompt(b, "p", map[string]interface{}{"n": 1}, PromptOptions{})
	bWP.Activate()
	aWP := s.NewPrompt(a, "p", map[string]interface{}{"n": 1}, PromptOptions{})
	aWP.Activate()

	assert.Equal(t, 1, aWP.Status(true).QueuePosition)
	assert.Equal(t, 2, bWP.Status(true).QueuePosition)
}

func TestStatusQueuePositionZeroWhenAllInFlight(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")
	w := checkedInWorker(t, s, alice, "rig-1", "M", 80, 1024, nil)

	wp := s.NewPrompt(alice, "p", map[string]interface{}{"n": 1, "max_length": 80}, PromptOptions{})
	wp.Activate()
	wp.StartGeneration(w, "")

	status := wp.Status(true)
	assert.Equal(t, 0, status.QueuePosition)
	assert.Equal(t, 0, status.Waiting)
	assert.Equal(t, 1, status.Processing)
}

func TestStatusWaitTime(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")
	w := checkedInWorker(t, s, alice, "rig-1", "M", 160, 2048, nil)

	// Seed horde throughput with one sub-second delivery (sampled as 1)
	seed := s.NewPrompt(alice, "seed", map[string]interface{}{"n": 1, "max_length": 80}, PromptOptions{})
	seed.Activate()
	env := seed.StartGeneration(w, "")
	s.GetGeneration(env.ID).SetGeneration("seeded")

	wp := s.NewPrompt(alice, "p", map[string]interface{}{"n": 2, "max_length": 80}, PromptOptions{})
	wp.Activate()

	status := wp.Status(true)
	// One active worker, 160 queued tokens at 1 token/sec (sub-second
	// delivery sampled as 1): 160 seconds
	assert.Equal(t, 160, status.WaitTime)
}

func TestDeleteCascadesToGenerations(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")
	w := checkedInWorker(t, s, alice, "rig-1", "M", 80, 1024, nil)

	wp := s.NewPrompt(alice, "p", map[string]interface{}{"n": 2, "max_length": 80}, PromptOptions{})
	wp.Activate()
	env := wp.StartGeneration(w, "")

	wp.Delete()
	assert.Nil(t, s.GetPrompt(wp.ID))
	assert.Nil(t, s.GetGeneration(env.ID))
}

func TestIntParamTolerant(t *testing.T) {
	params := map[string]interface{}{
		"a": 3,
		"b": int64(4),
		"c": float64(5),
		"d": "not a number",
	}
	assert.Equal(t, 3, intParam(params, "a", 9))
	assert.Equal(t, 4, intParam(params, "b", 9))
	assert.Equal(t, 5, intParam(params, "c", 9))
	assert.Equal(t, 9, intParam(params, "d", 9))
	assert.Equal(t, 9, intParam(params, "missing", 9))
}

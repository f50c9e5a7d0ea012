package swarm

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingGeneration is one in-flight generation bound to one worker.
// The model is snapshotted at issue time in case the worker switches
// models before delivering.
type ProcessingGeneration struct {
	store *Store

	ID         string
	Owner      *WaitingPrompt
	Worker     *Worker
	Model      string
	Generation string
	delivered  bool
	Kudos      float64
	StartTime  time.Time
}

func (g *ProcessingGeneration) indexID() string { return g.ID }

// newProcessingGeneration creates and registers a generation.
// REQUIRES: store.mu held (called from startGeneration).
func newProcessingGeneration(owner *WaitingPrompt, worker *Worker) *ProcessingGeneration {
	gen := &ProcessingGeneration{
		store:     owner.store,
		ID:        uuid.NewString(),
		Owner:     owner,
		Worker:    worker,
		Model:     worker.Model,
		StartTime: owner.store.now(),
	}
	gen.store.generations.add(gen)
	return gen
}

// SetGeneration accepts the worker's delivered text and settles the
// accounting: kudos conversion, throughput sampling, worker and owner
// credit. Delivery is idempotent; a second call returns 0 and changes
// nothing. Returns the kudos awarded.
func (g *ProcessingGeneration) SetGeneration(generation string) float64 {
	g.store.mu.Lock()
	defer g.store.mu.Unlock()

	if g.delivered {
		return 0
	}
	g.Generation = generation
	g.delivered = true

	tokens := g.Owner.MaxLength
	g.Kudos = g.store.stats.convertTokensToKudos(tokens, g.Model)
	tokensPerSec := g.store.stats.recordFulfilment(tokens, g.StartTime)
	g.Worker.recordContribution(tokens, g.Kudos, tokensPerSec)
	g.Owner.recordUsage(tokens, g.Kudos)
	g.store.log.Infof("New Generation worth %g kudos, delivered by worker: %s",
		g.Kudos, g.Worker.Name)
	return g.Kudos
}

// IsCompleted reports whether the generation text was delivered
func (g *ProcessingGeneration) IsCompleted() bool {
	g.store.mu.Lock()
	defer g.store.mu.Unlock()
	return g.isCompleted()
}

func (g *ProcessingGeneration) isCompleted() bool {
	return g.delivered
}

// ExpectedTimeLeft estimates remaining seconds until delivery, based on
// the worker's performance history. Completed generations report 0.
func (g *ProcessingGeneration) ExpectedTimeLeft() float64 {
	g.store.mu.Lock()
	defer g.store.mu.Unlock()
	return g.expectedTimeLeft()
}

func (g *ProcessingGeneration) expectedTimeLeft() float64 {
	if g.isCompleted() {
		return 0
	}
	secondsNeeded := float64(g.Owner.MaxLength) / g.Worker.performanceAverage()
	secondsElapsed := float64(elapsedSeconds(g.StartTime, g.store.now()))
	expected := secondsNeeded - secondsElapsed
	// A slow request can overrun its estimate
	if expected < 0 {
		expected = 0
	}
	return expected
}

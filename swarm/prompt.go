package swarm

import (
	"time"

	"github.com/google/uuid"
)

const (
	// maxGensPerPrompt caps how many generations one submission may request
	maxGensPerPrompt = 20

	// promptStaleAfter is how long a prompt may sit without progress
	// before the reaper removes it
	promptStaleAfter = 600 * time.Second
)

// Default generation parameters applied when the client omits them
const (
	defaultMaxLength        = 80
	defaultMaxContentLength = 1024
)

// DispatchEnvelope is what a polling worker receives for one generation:
// the generation parameters with the prompt injected and n forced to 1,
// the soft prompt it should apply (empty for none), and the generation id
// it must echo back on delivery.
type DispatchEnvelope struct {
	Payload    map[string]interface{} `json:"payload"`
	Softprompt string                 `json:"softprompt"`
	ID         string                 `json:"id"`
}

// GenerationResult is one delivered generation inside a status report
type GenerationResult struct {
	Text       string `json:"text"`
	ServerID   string `json:"server_id"`
	ServerName string `json:"server_name"`
}

// StatusReport is a client-facing snapshot of a prompt's progress
type StatusReport struct {
	Finished      int                `json:"finished"`
	Processing    int                `json:"processing"`
	Waiting       int                `json:"waiting"`
	Done          bool               `json:"done"`
	Generations   []GenerationResult `json:"generations"`
	QueuePosition int                `json:"queue_position"`
	WaitTime      int                `json:"wait_time"`
}

// WaitingPrompt is a user-submitted batch request for N generations.
// It fans out into ProcessingGenerations as workers pick it up and is
// reaped after ten minutes without progress.
//
// Mutating methods require the owning Store's lock; the exported entry
// points take it themselves.
type WaitingPrompt struct {
	store *Store

	ID          string
	Owner       *User
	Prompt      string
	Models      []string // empty = any model
	Servers     []string // worker-id allow-list, empty = any
	Softprompts []string // empty-string element = accept no soft prompt

	Params           map[string]interface{}
	N                int
	MaxLength        int
	MaxContentLength int
	TotalUsage       float64

	genPayload      map[string]interface{}
	ProcessingGens  []*ProcessingGeneration
	LastProcessTime time.Time
	StaleTime       time.Duration
}

func (wp *WaitingPrompt) indexID() string { return wp.ID }

// PromptOptions carries the optional submission fields
type PromptOptions struct {
	Models      []string
	Servers     []string
	Softprompts []string
}

// NewPrompt constructs a waiting prompt without enqueueing it. Callers
// check worker availability first, then Activate() to join the queue.
func (s *Store) NewPrompt(user *User, prompt string, params map[string]interface{}, opts PromptOptions) *WaitingPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()

	if params == nil {
		params = map[string]interface{}{}
	}

	wp := &WaitingPrompt{
		store:            s,
		ID:               uuid.NewString(),
		Owner:            user,
		Prompt:           prompt,
		Models:           opts.Models,
		Servers:          opts.Servers,
		Softprompts:      opts.Softprompts,
		Params:           params,
		N:                intParam(params, "n", 1),
		MaxLength:        intParam(params, "max_length", defaultMaxLength),
		MaxContentLength: intParam(params, "max_content_length", defaultMaxContentLength),
		LastProcessTime:  s.now(),
		StaleTime:        promptStaleAfter,
	}
	if len(wp.Softprompts) == 0 {
		wp.Softprompts = []string{""}
	}
	if wp.N > maxGensPerPrompt {
		s.log.Warnf("User %s requested %d gens per action. Reducing to %d...",
			user.UniqueAlias(), wp.N, maxGensPerPrompt)
		wp.N = maxGensPerPrompt
	}
	wp.TotalUsage = round2(float64(wp.MaxLength*wp.N) / 1000000)

	// The per-dispatch payload: the caller's params with the prompt
	// injected. Workers always generate a single iteration.
	wp.genPayload = make(map[string]interface{}, len(params)+2)
	for k, v := range params {
		wp.genPayload[k] = v
	}
	wp.genPayload["prompt"] = prompt
	wp.genPayload["n"] = 1

	return wp
}

// Activate enqueues the prompt. Separate from construction so the RPC
// layer can reject submissions no active worker could ever serve.
func (wp *WaitingPrompt) Activate() {
	wp.store.mu.Lock()
	defer wp.store.mu.Unlock()
	wp.store.prompts.add(wp)
	wp.store.log.Infof("New prompt request by user: %s", wp.Owner.UniqueAlias())
}

// needsGen reports whether generations remain to be dispatched
func (wp *WaitingPrompt) needsGen() bool {
	return wp.N > 0
}

// queuedTokens is the token footprint still queued for this prompt
func (wp *WaitingPrompt) queuedTokens() int {
	return wp.MaxLength * wp.N
}

// StartGeneration hands one generation to a worker, decrementing the
// outstanding count. Returns nil when nothing remains to dispatch.
// matchingSoftprompt is the worker soft-prompt name the caller selected.
func (wp *WaitingPrompt) StartGeneration(worker *Worker, matchingSoftprompt string) *DispatchEnvelope {
	wp.store.mu.Lock()
	defer wp.store.mu.Unlock()
	return wp.startGeneration(worker, matchingSoftprompt)
}

func (wp *WaitingPrompt) startGeneration(worker *Worker, matchingSoftprompt string) *DispatchEnvelope {
	if wp.N <= 0 {
		return nil
	}
	gen := newProcessingGeneration(wp, worker)
	wp.ProcessingGens = append(wp.ProcessingGens, gen)
	wp.N--
	wp.refresh()
	return &DispatchEnvelope{
		Payload:    wp.genPayload,
		Softprompt: matchingSoftprompt,
		ID:         gen.ID,
	}
}

// IsCompleted reports whether every requested generation was delivered
func (wp *WaitingPrompt) IsCompleted() bool {
	wp.store.mu.Lock()
	defer wp.store.mu.Unlock()
	return wp.isCompleted()
}

func (wp *WaitingPrompt) isCompleted() bool {
	if wp.needsGen() {
		return false
	}
	for _, gen := range wp.ProcessingGens {
		if !gen.isCompleted() {
			return false
		}
	}
	return true
}

// countProcessingGens splits the children into delivered and in-flight
func (wp *WaitingPrompt) countProcessingGens() (finished, processing int) {
	for _, gen := range wp.ProcessingGens {
		if gen.isCompleted() {
			finished++
		} else {
			processing++
		}
	}
	return finished, processing
}

// OwnQueueStats returns the prompt's position in the kudos-priority
// queue plus the tokens and generations ahead of it. A prompt with no
// outstanding generations reports the (-1, 0, 0) sentinel.
func (wp *WaitingPrompt) OwnQueueStats() (pos int, tokensAhead int, nAhead int) {
	wp.store.mu.Lock()
	defer wp.store.mu.Unlock()
	return wp.ownQueueStats()
}

func (wp *WaitingPrompt) ownQueueStats() (int, int, int) {
	if wp.needsGen() {
		return wp.store.prompts.queueStats(wp)
	}
	return -1, 0, 0
}

// Status reports the prompt's progress for a polling client. With lite
// set, the delivered generation texts are omitted to keep the payload
// small.
func (wp *WaitingPrompt) Status(lite bool) StatusReport {
	wp.store.mu.Lock()
	defer wp.store.mu.Unlock()

	finished, processing := wp.countProcessingGens()
	report := StatusReport{
		Finished:    finished,
		Processing:  processing,
		Waiting:     wp.N,
		Done:        wp.isCompleted(),
		Generations: []GenerationResult{},
	}

	queuePos, queuedTokens, queuedN := wp.ownQueueStats()
	// Positions are reported 1-based, so a prompt whose generations are
	// all in flight (sentinel -1) shows queue position 0
	report.QueuePosition = queuePos + 1

	activeWorkers := wp.store.countActiveWorkers()
	// With fewer outstanding generations than workers, parallelism is
	// bounded by the queue itself
	if queuedN < activeWorkers {
		activeWorkers = queuedN
	}
	avgTokensPerSec := wp.store.stats.requestAvg() * float64(activeWorkers)
	// Zero means either a fresh horde with no samples yet, or nothing
	// queued ahead; either way 1 keeps the division meaningful
	if avgTokensPerSec == 0 {
		avgTokensPerSec = 1
	}
	waitTime := float64(queuedTokens) / avgTokensPerSec
	for _, gen := range wp.ProcessingGens {
		waitTime += gen.expectedTimeLeft()
	}
	report.WaitTime = roundToInt(waitTime)

	if !lite {
		for _, gen := range wp.ProcessingGens {
			if gen.isCompleted() {
				report.Generations = append(report.Generations, GenerationResult{
					Text:       gen.Generation,
					ServerID:   gen.Worker.ID,
					ServerName: gen.Worker.Name,
				})
			}
		}
	}
	return report
}

// LiteStatus is Status without the generation texts
func (wp *WaitingPrompt) LiteStatus() StatusReport {
	return wp.Status(true)
}

// recordUsage charges the owner and refreshes the stale clock
func (wp *WaitingPrompt) recordUsage(tokens int, kudos float64) {
	wp.Owner.recordUsage(tokens, kudos)
	wp.refresh()
}

// Delete removes the prompt and all its generations from the registries
func (wp *WaitingPrompt) Delete() {
	wp.store.mu.Lock()
	defer wp.store.mu.Unlock()
	wp.delete()
}

func (wp *WaitingPrompt) delete() {
	for _, gen := range wp.ProcessingGens {
		wp.store.generations.del(gen)
	}
	wp.store.prompts.del(wp)
}

// refresh resets the stale clock after any progress
func (wp *WaitingPrompt) refresh() {
	wp.LastProcessTime = wp.store.now()
}

// isStale reports whether the prompt has gone too long without progress
func (wp *WaitingPrompt) isStale(now time.Time) bool {
	return now.Sub(wp.LastProcessTime) > wp.StaleTime
}

// intParam extracts an integer parameter, tolerating the float64 values
// JSON decoding produces
func intParam(params map[string]interface{}, key string, fallback int) int {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

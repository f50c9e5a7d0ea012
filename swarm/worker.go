package swarm

import (
	"fmt"
	"strings"
	"time"

	"github.com/teranos/horde/errors"
)

// Worker kudos sub-ledger actions
const (
	KudosGenerated = "generated"
	KudosUptime    = "uptime"
)

const (
	// workerStaleAfter is how long a worker may go without checking in
	// before it is excluded from the active set
	workerStaleAfter = 300 * time.Second

	// uptimeRewardThreshold is how many seconds of accrued uptime earn
	// one kudos reward
	uptimeRewardThreshold = 600

	// maxPerformanceSamples bounds the per-worker throughput history
	maxPerformanceSamples = 20
)

// WorkerKudosDetails breaks a worker's earnings down by source.
// Unlike the user sub-ledger, entries accumulate absolute amounts.
type WorkerKudosDetails struct {
	Generated float64 `json:"generated"`
	Uptime    float64 `json:"uptime"`
}

// Worker is a remote inference worker serving one model. Its name is its
// stable identity across restarts; the uuid is reissued on re-creation.
//
// Mutating methods require the owning Store's lock; the exported
// entry points (CheckIn, CanGenerate) take it themselves.
type Worker struct {
	store *Store

	ID               string
	Name             string
	Owner            *User
	Model            string
	MaxLength        int
	MaxContentLength int
	Softprompts      []string
	Contributions    int // tokens generated, lifetime
	Fulfilments      int
	Kudos            float64
	KudosDetails     WorkerKudosDetails
	Performances     []float64
	Uptime           int // seconds
	LastCheckIn      time.Time
	LastRewardUptime int
}

// CheckIn records a worker heartbeat: uptime accrual, periodic uptime
// kudos, and the currently declared model and capacities.
func (w *Worker) CheckIn(model string, maxLength, maxContentLength int, softprompts []string) {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.checkIn(model, maxLength, maxContentLength, softprompts)
}

func (w *Worker) checkIn(model string, maxLength, maxContentLength int, softprompts []string) {
	now := w.store.now()
	if !w.isStale(now) {
		w.Uptime += elapsedSeconds(w.LastCheckIn, now)
		// Every 10 minutes of accrued uptime earns a kudos reward,
		// scaled by the size of the model being served
		if w.Uptime-w.LastRewardUptime > uptimeRewardThreshold {
			award := round2(w.store.stats.modelMultiplier(model) / 2.75)
			w.modifyKudos(award, KudosUptime)
			w.Owner.recordUptime(award)
			w.store.log.Debugw("Uptime kudos awarded",
				"worker", w.Name,
				"kudos", award)
			w.LastRewardUptime = w.Uptime
		}
	} else {
		// A worker returning from staleness must stay up another full
		// threshold before earning again
		w.LastRewardUptime = w.Uptime
	}
	w.LastCheckIn = now
	w.Model = model
	w.MaxContentLength = maxContentLength
	w.MaxLength = maxLength
	w.Softprompts = softprompts
}

// Skip reasons reported by CanGenerate
const (
	SkippedServerID           = "server_id"
	SkippedModels             = "models"
	SkippedMaxContentLength   = "max_content_length"
	SkippedMaxLength          = "max_length"
	SkippedMatchingSoftprompt = "matching_softprompt"
)

// CanGenerate reports whether this worker can serve a waiting prompt.
// Every check runs even after a failure; the reason reflects the last
// failing check, which is the externally observable contract.
func (w *Worker) CanGenerate(wp *WaitingPrompt) (bool, string) {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	return w.canGenerate(wp)
}

func (w *Worker) canGenerate(wp *WaitingPrompt) (bool, string) {
	isMatching := true
	skippedReason := ""
	if len(wp.Servers) >= 1 && !contains(wp.Servers, w.ID) {
		isMatching = false
		skippedReason = SkippedServerID
	}
	if len(wp.Models) >= 1 && !contains(wp.Models, w.Model) {
		isMatching = false
		skippedReason = SkippedModels
	}
	if w.MaxContentLength < wp.MaxContentLength {
		isMatching = false
		skippedReason = SkippedMaxContentLength
	}
	if w.MaxLength < wp.MaxLength {
		isMatching = false
		skippedReason = SkippedMaxLength
	}
	if _, ok := w.matchSoftprompt(wp); !ok {
		isMatching = false
		skippedReason = SkippedMatchingSoftprompt
	}
	return isMatching, skippedReason
}

// matchSoftprompt finds the worker soft-prompt satisfying the request.
// An empty-string request element means the client accepts generation
// without a soft prompt; otherwise a requested token matches any declared
// name containing it. Returns the chosen declared name.
func (w *Worker) matchSoftprompt(wp *WaitingPrompt) (string, bool) {
	for _, requested := range wp.Softprompts {
		if requested == "" {
			return "", true
		}
		for _, declared := range w.Softprompts {
			if strings.Contains(declared, requested) {
				return declared, true
			}
		}
	}
	return "", false
}

// recordContribution credits a delivered generation to the worker and its
// owner and folds the throughput sample into the performance history.
func (w *Worker) recordContribution(tokens int, kudos float64, tokensPerSec float64) {
	w.Owner.recordContributions(tokens, kudos)
	w.modifyKudos(kudos, KudosGenerated)
	w.Contributions += tokens
	w.Fulfilments++
	w.Performances = append(w.Performances, tokensPerSec)
	if len(w.Performances) > maxPerformanceSamples {
		w.Performances = w.Performances[1:]
	}
}

// modifyKudos adjusts the balance and folds the absolute amount into the
// sub-ledger bucket for action.
func (w *Worker) modifyKudos(kudos float64, action string) {
	w.Kudos = round2(w.Kudos + kudos)
	abs := kudos
	if abs < 0 {
		abs = -abs
	}
	switch action {
	case KudosGenerated:
		w.KudosDetails.Generated = round2(w.KudosDetails.Generated + abs)
	case KudosUptime:
		w.KudosDetails.Uptime = round2(w.KudosDetails.Uptime + abs)
	}
}

// PerformanceAverage returns the mean of the recorded throughput samples.
// With no samples it reports 1 token/sec so wait-time estimation never
// divides by zero.
func (w *Worker) PerformanceAverage() float64 {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	return w.performanceAverage()
}

func (w *Worker) performanceAverage() float64 {
	if len(w.Performances) == 0 {
		return 1
	}
	sum := 0.0
	for _, p := range w.Performances {
		sum += p
	}
	return sum / float64(len(w.Performances))
}

// PerformanceSummary renders the recent throughput for API consumers
func (w *Worker) PerformanceSummary() string {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	if len(w.Performances) == 0 {
		return "No requests fulfilled yet"
	}
	return fmt.Sprintf("%.1f tokens per second", round1(w.performanceAverage()))
}

// IsStale reports whether the worker has missed its check-in window
func (w *Worker) IsStale() bool {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	return w.isStale(w.store.now())
}

func (w *Worker) isStale(now time.Time) bool {
	// A worker that has never checked in is stale by definition
	if w.LastCheckIn.IsZero() {
		return true
	}
	return now.Sub(w.LastCheckIn) > workerStaleAfter
}

// HumanReadableUptime renders accrued uptime for API consumers
func (w *Worker) HumanReadableUptime() string {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	switch {
	case w.Uptime < 60:
		return fmt.Sprintf("%d seconds", w.Uptime)
	case w.Uptime < 60*60:
		return fmt.Sprintf("%g minutes", round2(float64(w.Uptime)/60))
	case w.Uptime < 60*60*24:
		return fmt.Sprintf("%g hours", round2(float64(w.Uptime)/60/60))
	default:
		return fmt.Sprintf("%g days", round2(float64(w.Uptime)/60/60/24))
	}
}

// workerRecord is the on-disk shape of a worker in servers.json.
// Workers reference their owner by oauth_id.
type workerRecord struct {
	OAuthID          string             `json:"oauth_id"`
	Name             string             `json:"name"`
	Model            string             `json:"model"`
	MaxLength        int                `json:"max_length"`
	MaxContentLength int                `json:"max_content_length"`
	Contributions    int                `json:"contributions"`
	Fulfilments      int                `json:"fulfilments"`
	Kudos            float64            `json:"kudos"`
	KudosDetails     WorkerKudosDetails `json:"kudos_details"`
	Performances     []float64          `json:"performances"`
	LastCheckIn      string             `json:"last_check_in"`
	ID               string             `json:"id"`
	Softprompts      []string           `json:"softprompts"`
	Uptime           int                `json:"uptime"`
}

// serialize renders the worker in its snapshot form
func (w *Worker) serialize() workerRecord {
	performances := w.Performances
	if performances == nil {
		performances = []float64{}
	}
	softprompts := w.Softprompts
	if softprompts == nil {
		softprompts = []string{}
	}
	return workerRecord{
		OAuthID:          w.Owner.OAuthID,
		Name:             w.Name,
		Model:            w.Model,
		MaxLength:        w.MaxLength,
		MaxContentLength: w.MaxContentLength,
		Contributions:    w.Contributions,
		Fulfilments:      w.Fulfilments,
		Kudos:            w.Kudos,
		KudosDetails:     w.KudosDetails,
		Performances:     performances,
		LastCheckIn:      formatTime(w.LastCheckIn),
		ID:               w.ID,
		Softprompts:      softprompts,
		Uptime:           w.Uptime,
	}
}

// deserializeWorker rebuilds a worker from its snapshot form, resolving
// the owner through the already-loaded user registry.
func (s *Store) deserializeWorker(rec workerRecord, convertFlag string) (*Worker, error) {
	owner := s.users[rec.OAuthID]
	if owner == nil {
		return nil, errors.Newf("worker %s references unknown owner %s", rec.Name, rec.OAuthID)
	}
	lastCheckIn, err := parseTime(rec.LastCheckIn)
	if err != nil {
		return nil, errors.Wrapf(err, "bad last_check_in for worker %s", rec.Name)
	}

	contributions := rec.Contributions
	if convertFlag == ConvertToTokens {
		contributions = roundToInt(float64(rec.Contributions) / 4)
	}

	performances := rec.Performances
	if performances == nil {
		performances = []float64{}
	}
	softprompts := rec.Softprompts
	if softprompts == nil {
		softprompts = []string{}
	}

	w := &Worker{
		store:            s,
		ID:               rec.ID,
		Name:             rec.Name,
		Owner:            owner,
		Model:            rec.Model,
		MaxLength:        rec.MaxLength,
		MaxContentLength: rec.MaxContentLength,
		Softprompts:      softprompts,
		Contributions:    contributions,
		Fulfilments:      rec.Fulfilments,
		Kudos:            rec.Kudos,
		KudosDetails:     rec.KudosDetails,
		Performances:     performances,
		Uptime:           rec.Uptime,
		LastCheckIn:      lastCheckIn,
	}
	s.workers[w.Name] = w
	return w, nil
}

// contains reports whether needle is an element of haystack
func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Package swarm implements the coordination core of the text-generation
// horde: the request/worker scheduler and the kudos accounting engine.
package swarm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/horde/errors"
	"github.com/teranos/horde/oracle"
)

// ConvertToTokens is the conversion flag that reinterprets legacy chars
// counters as tokens (chars/4) on load, for a one-shot snapshot rewrite.
const ConvertToTokens = "to_tokens"

// Snapshot file names inside the store directory
const (
	UsersFile   = "users.json"
	ServersFile = "servers.json"
	StatsFile   = "stats.json"
)

// Kudos transfer result strings. These are user-visible contract strings;
// do not edit them.
const (
	TransferOK              = "OK"
	TransferNotEnoughKudos  = "Not enough kudos."
	TransferInvalidUsername = "Invalid target username."
	TransferToAnon          = "Tried to burn kudos via sending to Anonymous. Assuming PEBKAC and aborting."
	TransferToSelf          = "Cannot send kudos to yourself, ya monkey!"
	TransferInvalidAPIKey   = "Invalid API Key."
	TransferFromAnon        = "You cannot transfer Kudos from Anonymous, smart-ass."
)

// Options configures a Store
type Options struct {
	Dir                string        // Directory for the JSON snapshot files
	Sizer              oracle.Sizer  // Model parameter-count oracle
	SnapshotInterval   time.Duration // Cadence of the background snapshot loop
	ReaperInterval     time.Duration // Cadence of the stale-prompt sweep
	StatsPruneInterval time.Duration // Cadence of the fulfilment window prune
	OracleTimeout      time.Duration // Per-lookup oracle timeout
	AllowAnonymous     bool          // Whether the anon user may act
	Logger             *zap.SugaredLogger
	Now                func() time.Time // Injectable clock for tests
}

// Store owns the canonical in-memory state: the user and worker
// registries, the prompt and generation indices, and the throughput
// stats. One mutex serializes every operation across them; snapshots
// serialize state under the lock and write files outside it.
type Store struct {
	mu sync.Mutex

	dir   string
	users map[string]*User // keyed by oauth_id
	// Workers key on their name, which is their stable identity across
	// restarts; uuids are reissued on re-creation
	workers map[string]*Worker

	prompts     *PromptsIndex
	generations *GenerationsIndex
	stats       *Stats

	anon           *User
	lastUserID     int
	allowAnonymous bool

	snapshotInterval time.Duration
	reaperInterval   time.Duration

	now func() time.Time
	log *zap.SugaredLogger
}

// NewStore creates an empty store. Call Load to read the snapshot files.
func NewStore(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Sizer == nil {
		opts.Sizer = oracle.Static{}
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 10 * time.Second
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = 60 * time.Second
	}
	if opts.StatsPruneInterval <= 0 {
		opts.StatsPruneInterval = 60 * time.Second
	}
	if opts.OracleTimeout <= 0 {
		opts.OracleTimeout = 30 * time.Second
	}

	s := &Store{
		dir:              opts.Dir,
		users:            make(map[string]*User),
		workers:          make(map[string]*Worker),
		prompts:          newPromptsIndex(),
		generations:      newGenerationsIndex(),
		allowAnonymous:   opts.AllowAnonymous,
		snapshotInterval: opts.SnapshotInterval,
		reaperInterval:   opts.ReaperInterval,
		now:              opts.Now,
		log:              opts.Logger,
	}
	s.stats = newStats(s, opts.Sizer, opts.StatsPruneInterval, opts.OracleTimeout)
	return s
}

// Load reads the three snapshot files: users first (creating the anon
// user if absent), then workers (which resolve their owner through the
// loaded users), then stats. Missing files are fine on first start.
func (s *Store) Load(convertFlag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if convertFlag != "" {
		s.log.Warnf("Convert flag '%s' received.", convertFlag)
	}

	if err := s.loadUsers(convertFlag); err != nil {
		return err
	}

	s.anon = s.users[AnonOAuthID]
	if s.anon == nil {
		s.anon = s.createAnon()
		s.users[s.anon.OAuthID] = s.anon
	}

	if err := s.loadWorkers(convertFlag); err != nil {
		return err
	}
	if err := s.loadStats(convertFlag); err != nil {
		return err
	}

	s.log.Infow("Store loaded",
		"users", len(s.users),
		"workers", len(s.workers))
	return nil
}

func (s *Store) loadUsers(convertFlag string) error {
	path := filepath.Join(s.dir, UsersFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", path)
	}

	var records []userRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return errors.Wrapf(err, "failed to parse %s", path)
	}
	for _, rec := range records {
		user, err := deserializeUser(rec, convertFlag)
		if err != nil {
			return errors.Wrapf(err, "failed to load user from %s", path)
		}
		s.users[user.OAuthID] = user
		if user.ID > s.lastUserID {
			s.lastUserID = user.ID
		}
	}
	return nil
}

func (s *Store) loadWorkers(convertFlag string) error {
	path := filepath.Join(s.dir, ServersFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", path)
	}

	var records []workerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return errors.Wrapf(err, "failed to parse %s", path)
	}
	for _, rec := range records {
		if _, err := s.deserializeWorker(rec, convertFlag); err != nil {
			return errors.Wrapf(err, "failed to load worker from %s", path)
		}
	}
	return nil
}

func (s *Store) loadStats(convertFlag string) error {
	path := filepath.Join(s.dir, StatsFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", path)
	}

	var rec statsRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return errors.Wrapf(err, "failed to parse %s", path)
	}
	if err := s.stats.deserialize(rec, convertFlag); err != nil {
		return errors.Wrapf(err, "failed to load stats from %s", path)
	}
	return nil
}

// createAnon builds the distinguished anonymous user.
// REQUIRES: s.mu held.
func (s *Store) createAnon() *User {
	now := s.now()
	return &User{
		ID:       0,
		OAuthID:  AnonOAuthID,
		Username: "Anonymous",
		APIKey:   AnonAPIKey,
		// Anonymous users get more leeway on concurrent requests,
		// balanced by their rock-bottom priority
		MaxConcurrentWPs: AnonMaxConcurrentWPs,
		CreationDate:     now,
		LastActive:       now,
	}
}

// Anon returns the distinguished anonymous user
func (s *Store) Anon() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anon
}

// NewUser registers a user and assigns the next id
func (s *Store) NewUser(username, oauthID, apiKey, inviteID string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastUserID++
	now := s.now()
	user := &User{
		ID:               s.lastUserID,
		OAuthID:          oauthID,
		Username:         username,
		APIKey:           apiKey,
		InviteID:         inviteID,
		MaxConcurrentWPs: DefaultMaxConcurrentWPs,
		CreationDate:     now,
		LastActive:       now,
	}
	s.users[user.OAuthID] = user
	s.log.Infof("New user created: %s", user.UniqueAlias())
	return user
}

// NewWorker registers a worker under its name. A name collision replaces
// the previous registration: the name is the stable worker identity.
func (s *Store) NewWorker(owner *User, name string, softprompts []string) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if softprompts == nil {
		softprompts = []string{}
	}
	w := &Worker{
		store:        s,
		ID:           uuid.NewString(),
		Name:         name,
		Owner:        owner,
		Softprompts:  softprompts,
		Performances: []float64{},
	}
	s.workers[w.Name] = w
	s.log.Infof("New worker checked-in: %s by %s", w.Name, owner.UniqueAlias())
	return w
}

// FindUserByOAuthID looks a user up by oauth id
func (s *Store) FindUserByOAuthID(oauthID string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUserByOAuthID(oauthID)
}

func (s *Store) findUserByOAuthID(oauthID string) *User {
	if oauthID == AnonOAuthID && !s.allowAnonymous {
		return nil
	}
	return s.users[oauthID]
}

// FindUserByUsername resolves a unique alias of the form "username#id"
func (s *Store) FindUserByUsername(username string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUserByUsername(username)
}

func (s *Store) findUserByUsername(username string) *User {
	name, idStr, ok := strings.Cut(username, "#")
	if !ok {
		return nil
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return nil
	}
	for _, user := range s.users {
		if user.Username == name && user.ID == id {
			if user == s.anon && !s.allowAnonymous {
				return nil
			}
			return user
		}
	}
	return nil
}

// FindUserByAPIKey looks a user up by API key
func (s *Store) FindUserByAPIKey(apiKey string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUserByAPIKey(apiKey)
}

func (s *Store) findUserByAPIKey(apiKey string) *User {
	for _, user := range s.users {
		if user.CheckKey(apiKey) {
			if user == s.anon && !s.allowAnonymous {
				return nil
			}
			return user
		}
	}
	return nil
}

// FindWorkerByName looks a worker up by its stable name
func (s *Store) FindWorkerByName(name string) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[name]
}

// GetPrompt returns a live waiting prompt by uuid
func (s *Store) GetPrompt(id string) *WaitingPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	wp, _ := s.prompts.get(id)
	return wp
}

// GetGeneration returns an in-flight generation by uuid
func (s *Store) GetGeneration(id string) *ProcessingGeneration {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, _ := s.generations.get(id)
	return gen
}

// TransferKudos moves kudos between two users. The debit is recorded as
// a negative gifted delta on the source and a positive received delta on
// the destination, conserving the sum of balances.
func (s *Store) TransferKudos(source, dest *User, amount float64) (float64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferKudos(source, dest, amount)
}

func (s *Store) transferKudos(source, dest *User, amount float64) (float64, string) {
	if amount > source.Kudos {
		return 0, TransferNotEnoughKudos
	}
	source.modifyKudos(-amount, KudosGifted)
	dest.modifyKudos(amount, KudosReceived)
	return amount, TransferOK
}

// TransferKudosToUsername validates the destination alias, then transfers
func (s *Store) TransferKudosToUsername(source *User, destUsername string, amount float64) (float64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferKudosToUsername(source, destUsername, amount)
}

func (s *Store) transferKudosToUsername(source *User, destUsername string, amount float64) (float64, string) {
	dest := s.findUserByUsername(destUsername)
	if dest == nil {
		return 0, TransferInvalidUsername
	}
	if dest == s.anon {
		return 0, TransferToAnon
	}
	if dest == source {
		return 0, TransferToSelf
	}
	return s.transferKudos(source, dest, amount)
}

// TransferKudosFromAPIKey validates the source key, then transfers
func (s *Store) TransferKudosFromAPIKey(sourceAPIKey, destUsername string, amount float64) (float64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source := s.findUserByAPIKey(sourceAPIKey)
	if source == nil {
		return 0, TransferInvalidAPIKey
	}
	if source == s.anon {
		return 0, TransferFromAnon
	}
	return s.transferKudosToUsername(source, destUsername, amount)
}

// Dispatch walks the kudos-priority queue and hands the first prompt the
// worker can serve to it. Returns the dispatch envelope, or nil plus a
// count of skip reasons when nothing matched.
func (s *Store) Dispatch(worker *Worker) (*DispatchEnvelope, map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	skipped := map[string]int{}
	for _, wp := range s.prompts.waitingByKudos() {
		ok, reason := worker.canGenerate(wp)
		if !ok {
			skipped[reason]++
			continue
		}
		matching, _ := worker.matchSoftprompt(wp)
		if env := wp.startGeneration(worker, matching); env != nil {
			return env, nil
		}
	}
	return nil, skipped
}

// CountActiveWorkers counts workers inside their check-in window
func (s *Store) CountActiveWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countActiveWorkers()
}

func (s *Store) countActiveWorkers() int {
	now := s.now()
	count := 0
	for _, w := range s.workers {
		if !w.isStale(now) {
			count++
		}
	}
	return count
}

// AvailableModels maps each model served by a non-stale worker to the
// number of workers serving it
func (s *Store) AvailableModels() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	models := map[string]int{}
	for _, w := range s.workers {
		if w.isStale(now) {
			continue
		}
		models[w.Model]++
	}
	return models
}

// HordeTotals aggregates lifetime production across all workers
type HordeTotals struct {
	Tokens      int `json:"tokens"`
	Fulfilments int `json:"fulfilments"`
}

// TotalUsage sums lifetime contributions over every registered worker
func (s *Store) TotalUsage() HordeTotals {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := HordeTotals{}
	for _, w := range s.workers {
		totals.Tokens += w.Contributions
		totals.Fulfilments += w.Fulfilments
	}
	return totals
}

// TopContributor returns the non-anon user with the most contributed
// tokens, or nil when nobody has contributed
func (s *Store) TopContributor() *User {
	s.mu.Lock()
	defer s.mu.Unlock()

	topContribution := 0
	var top *User
	for _, user := range s.users {
		if user != s.anon && user.Contributions.Tokens > topContribution {
			top = user
			topContribution = user.Contributions.Tokens
		}
	}
	return top
}

// TopWorker returns the worker with the most contributed tokens
func (s *Store) TopWorker() *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	topContribution := 0
	var top *Worker
	for _, w := range s.workers {
		if w.Contributions > topContribution {
			top = w
			topContribution = w.Contributions
		}
	}
	return top
}

// CountTotals aggregates the outstanding queue
func (s *Store) CountTotals() QueueTotals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts.countTotals()
}

// CountWaitingPromptsFor counts a user's prompts still needing work.
// The RPC layer checks this against the user's MaxConcurrentWPs before
// accepting a submission.
func (s *Store) CountWaitingPromptsFor(user *User) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts.countWaitingFor(user)
}

// WaitingByKudos returns the prompts still needing generation in
// priority order
func (s *Store) WaitingByKudos() []*WaitingPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts.waitingByKudos()
}

// KilotokensPerMin reports horde-wide recent throughput
func (s *Store) KilotokensPerMin() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.kilotokensPerMin()
}

// ConvertTokensToKudos prices a generation for a model
func (s *Store) ConvertTokensToKudos(tokens int, modelName string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.convertTokensToKudos(tokens, modelName)
}

// SetIntervals applies runtime-tunable cadences (config hot reload).
// The loops pick the new values up on their next tick.
func (s *Store) SetIntervals(snapshot, reaper, statsPrune time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot > 0 {
		s.snapshotInterval = snapshot
	}
	if reaper > 0 {
		s.reaperInterval = reaper
	}
	if statsPrune > 0 {
		s.stats.Interval = statsPrune
	}
}

// Snapshot writes the three state files. State is serialized under the
// lock; files are written outside it, each through a temp-file rename so
// readers never observe a torn snapshot.
func (s *Store) Snapshot() error {
	s.mu.Lock()

	workerRecords := make([]workerRecord, 0, len(s.workers))
	for _, w := range s.workers {
		// Anon-owned workers are intentionally lossy across restarts
		if w.Owner == s.anon {
			continue
		}
		workerRecords = append(workerRecords, w.serialize())
	}
	userRecords := make([]userRecord, 0, len(s.users))
	for _, u := range s.users {
		userRecords = append(userRecords, u.serialize())
	}
	statsRec := s.stats.serialize()

	s.mu.Unlock()

	// Stable file ordering keeps successive snapshots diffable
	sort.Slice(workerRecords, func(i, j int) bool { return workerRecords[i].Name < workerRecords[j].Name })
	sort.Slice(userRecords, func(i, j int) bool { return userRecords[i].ID < userRecords[j].ID })

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create store directory %s", s.dir)
	}
	if err := writeJSONFile(filepath.Join(s.dir, ServersFile), workerRecords); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(s.dir, StatsFile), statsRec); err != nil {
		return err
	}
	return writeJSONFile(filepath.Join(s.dir, UsersFile), userRecords)
}

// Run drives the background loops: the periodic snapshot and the stale
// prompt reaper. It blocks until ctx is cancelled, then takes one final
// snapshot so no accrued kudos are lost on shutdown.
func (s *Store) Run(ctx context.Context) {
	s.log.Infow("Store background loops started",
		"snapshot_interval", s.SnapshotInterval(),
		"reaper_interval", s.ReaperInterval())

	snapshotTimer := time.NewTimer(s.SnapshotInterval())
	reaperTimer := time.NewTimer(s.ReaperInterval())
	defer snapshotTimer.Stop()
	defer reaperTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Snapshot(); err != nil {
				s.log.Errorw("Final snapshot failed", "error", err)
			}
			s.log.Infow("Store background loops stopped")
			return

		case <-snapshotTimer.C:
			if err := s.Snapshot(); err != nil {
				// Persistence errors are not recovered here; the
				// loop continues on its cadence
				s.log.Errorw("Snapshot failed", "error", err)
			}
			snapshotTimer.Reset(s.SnapshotInterval())

		case <-reaperTimer.C:
			s.ReapStalePrompts()
			reaperTimer.Reset(s.ReaperInterval())
		}
	}
}

// SnapshotInterval returns the current snapshot cadence
func (s *Store) SnapshotInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotInterval
}

// ReaperInterval returns the current reaper cadence
func (s *Store) ReaperInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reaperInterval
}

// writeJSONFile writes v as JSON through a temp-file rename
func writeJSONFile(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to replace %s", path)
	}
	return nil
}

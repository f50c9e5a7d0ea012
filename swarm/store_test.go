package swarm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/horde/oracle"
)

func TestLoadEmptyStoreCreatesAnon(t *testing.T) {
	s, _ := newTestStore(t)

	anon := s.FindUserByOAuthID(AnonOAuthID)
	require.NotNil(t, anon)
	assert.Equal(t, s.Anon(), anon)
}

func TestFindUserByUsername(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")

	assert.Equal(t, alice, s.FindUserByUsername("alice#1"))
	assert.Nil(t, s.FindUserByUsername("alice#2"))
	assert.Nil(t, s.FindUserByUsername("alice"))
	assert.Nil(t, s.FindUserByUsername("alice#one"))
}

func TestFindUserByAPIKey(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")

	assert.Equal(t, alice, s.FindUserByAPIKey("key-alice"))
	assert.Nil(t, s.FindUserByAPIKey("nope"))
}

func TestTransferKudos(t *testing.T) {
	s, _ := newTestStore(t)
	src := s.NewUser("src", "oauth-src", "key-src", "")
	dst := s.NewUser("dst", "oauth-dst", "key-dst", "")
	src.Kudos = 100

	amount, msg := s.TransferKudos(src, dst, 40)
	assert.Equal(t, 40.0, amount)
	assert.Equal(t, TransferOK, msg)

	// Conservation: the sum of balances is unchanged
	assert.Equal(t, 60.0, src.Kudos)
	assert.Equal(t, 40.0, dst.Kudos)
	assert.Equal(t, -40.0, src.KudosDetails.Gifted)
	assert.Equal(t, 40.0, dst.KudosDetails.Received)
}

func TestTransferKudosInsufficient(t *testing.T) {
	s, _ := newTestStore(t)
	src := s.NewUser("src", "oauth-src", "key-src", "")
	dst := s.NewUser("dst", "oauth-dst", "key-dst", "")
	src.Kudos = 10

	amount, msg := s.TransferKudos(src, dst, 40)
	assert.Equal(t, 0.0, amount)
	assert.Equal(t, "Not enough kudos.", msg)
	assert.Equal(t, 10.0, src.Kudos)
	assert.Zero(t, dst.Kudos)
}

func TestTransferKudosToUsernameValidation(t *testing.T) {
	s, _ := newTestStore(t)
	src := s.NewUser("src", "oauth-src", "key-src", "")
	src.Kudos = 100

	_, msg := s.TransferKudosToUsername(src, "ghost#9", 10)
	assert.Equal(t, "Invalid target username.", msg)

	_, msg = s.TransferKudosToUsername(src, "Anonymous#0", 10)
	assert.Equal(t, "Tried to burn kudos via sending to Anonymous. Assuming PEBKAC and aborting.", msg)

	_, msg = s.TransferKudosToUsername(src, "src#1", 10)
	assert.Equal(t, "Cannot send kudos to yourself, ya monkey!", msg)
}

func TestTransferKudosFromAPIKeyValidation(t *testing.T) {
	s, _ := newTestStore(t)
	src := s.NewUser("src", "oauth-src", "key-src", "")
	dst := s.NewUser("dst", "oauth-dst", "key-dst", "")
	src.Kudos = 100

	_, msg := s.TransferKudosFromAPIKey("bad-key", "dst#2", 10)
	assert.Equal(t, "Invalid API Key.", msg)

	_, msg = s.TransferKudosFromAPIKey(AnonAPIKey, "dst#2", 10)
	assert.Equal(t, "You cannot transfer Kudos from Anonymous, smart-ass.", msg)

	amount, msg := s.TransferKudosFromAPIKey("key-src", "dst#2", 10)
	assert.Equal(t, 10.0, amount)
	assert.Equal(t, "OK", msg)
	assert.Equal(t, 10.0, dst.Kudos)
}

func TestDispatchPrefersHighKudosOwners(t *testing.T) {
	s, _ := newTestStore(t)
	rich := s.NewUser("rich", "oauth-rich", "key-rich", "")
	poor := s.NewUser("poor", "oauth-poor", "key-poor", "")
	rich.Kudos = 100
	w := checkedInWorker(t, s, rich, "rig-1", "M", 80, 1024, nil)

	poorWP := s.NewPrompt(poor, "p", map[string]interface{}{"n": 1, "max_length": 80}, PromptOptions{})
	poorWP.Activate()
	richWP := s.NewPrompt(rich, "p", map[string]interface{}{"n": 1, "max_length": 80}, PromptOptions{})
	richWP.Activate()

	env, _ := s.Dispatch(w)
	require.NotNil(t, env)
	assert.Equal(t, 0, richWP.N)
	assert.Equal(t, 1, poorWP.N)
}

func TestDispatchSkipsIneligible(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")
	w := checkedInWorker(t, s, alice, "rig-1", "M", 40, 1024, nil)

	wp := s.NewPrompt(alice, "p", map[string]interface{}{"n": 1, "max_length": 80}, PromptOptions{})
	wp.Activate()

	env, skipped := s.Dispatch(w)
	assert.Nil(t, env)
	assert.Equal(t, 1, skipped[SkippedMaxLength])
	assert.Equal(t, 1, wp.N)
}

func TestDispatchPicksMatchingSoftprompt(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")
	w := checkedInWorker(t, s, alice, "rig-1", "M", 80, 1024, []string{"my-foo-sp", "bar"})

	wp := s.NewPrompt(alice, "p", map[string]interface{}{"n": 1, "max_length": 80},
		PromptOptions{Softprompts: []string{"foo"}})
	wp.Activate()

	env, _ := s.Dispatch(w)
	require.NotNil(t, env)
	assert.Equal(t, "my-foo-sp", env.Softprompt)
}

func TestCountActiveWorkersExcludesStale(t *testing.T) {
	s, clock := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")

	w1 := checkedInWorker(t, s, alice, "rig-1", "M", 80, 1024, nil)
	checkedInWorker(t, s, alice, "rig-2", "gpt-j-6B", 80, 1024, nil)

	assert.Equal(t, 2, s.CountActiveWorkers())
	models := s.AvailableModels()
	assert.Equal(t, 1, models["M"])
	assert.Equal(t, 1, models["gpt-j-6B"])

	// rig-2 misses its window; rig-1 keeps checking in
	clock.Advance(301 * time.Second)
	w1.CheckIn("M", 80, 1024, nil)

	assert.Equal(t, 1, s.CountActiveWorkers())
	models = s.AvailableModels()
	assert.Equal(t, 1, models["M"])
	assert.Zero(t, models["gpt-j-6B"])

	// Stale workers stay registered and resume on re-check-in
	require.NotNil(t, s.FindWorkerByName("rig-2"))
}

func TestTotalUsageAndTops(t *testing.T) {
	s, _ := newTestStore(t)
	alice := s.NewUser("alice", "oauth-alice", "key-alice", "")
	bob := s.NewUser("bob", "oauth-bob", "key-bob", "")

	wa := checkedInWorker(t, s, alice, "rig-a", "M", 80, 1024, nil)
	wb := checkedInWorker(t, s, bob, "rig-b", "M", 80, 1024, nil)

	wa.recordContribution(300, 1, 5)
	wb.recordContribution(100, 1, 5)

	totals := s.TotalUsage()
	assert.Equal(t, 400, totals.Tokens)
	assert.Equal(t, 2, totals.Fulfilments)

	assert.Equal(t, alice, s.TopContributor())
	assert.Equal(t, wa, s.TopWorker())
}

func TestSnapshotAndReload(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	opts := Options{
		Dir:            dir,
		Sizer:          oracle.Static{Sizes: testSizes},
		AllowAnonymous: true,
		Logger:         zap.NewNop().Sugar(),
		Now:            clock.Now,
	}

	s := NewStore(opts)
	require.NoError(t, s.Load(""))

	alice := s.NewUser("alice", "oauth-alice", "key-alice", "invite-1")
	alice.Kudos = 55.5
	w := checkedInWorker(t, s, alice, "rig-1", "M", 80, 1024, []string{"foo-sp"})
	w.recordContribution(80, 10.29, 8)

	// An anon-owned worker must not be persisted
	checkedInWorker(t, s, s.Anon(), "anon-rig", "M", 80, 1024, nil)

	require.NoError(t, s.Snapshot())

	reloaded := NewStore(opts)
	require.NoError(t, reloaded.Load(""))

	ralice := reloaded.FindUserByOAuthID("oauth-alice")
	require.NotNil(t, ralice)
	assert.Equal(t, alice.Kudos, ralice.Kudos)
	assert.Equal(t, alice.Contributions, ralice.Contributions)

	rw := reloaded.FindWorkerByName("rig-1")
	require.NotNil(t, rw)
	assert.Equal(t, w.ID, rw.ID)
	assert.Equal(t, ralice, rw.Owner)
	assert.Equal(t, w.Kudos, rw.Kudos)
	assert.Equal(t, []float64{8}, rw.Performances)

	assert.Nil(t, reloaded.FindWorkerByName("anon-rig"))

	// New users continue after the highest persisted id
	bob := reloaded.NewUser("bob", "oauth-bob", "key-bob", "")
	assert.Equal(t, alice.ID+1, bob.ID)
}

func TestSnapshotStatsKeepsMisspelledKey(t *testing.T) {
	s, clock := newTestStore(t)

	s.mu.Lock()
	s.stats.recordFulfilment(80, clock.Now())
	s.stats.modelMultiplier("M")
	s.mu.Unlock()

	require.NoError(t, s.Snapshot())

	raw, err := os.ReadFile(filepath.Join(s.dir, StatsFile))
	require.NoError(t, err)

	// The on-disk contract spells the key model_mulitpliers
	assert.True(t, strings.Contains(string(raw), `"model_mulitpliers"`))
	assert.False(t, strings.Contains(string(raw), `"model_multipliers"`))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "server_performances")
	assert.Contains(t, decoded, "fulfillments")
}

func TestSnapshotTimestampFormat(t *testing.T) {
	s, _ := newTestStore(t)
	s.NewUser("alice", "oauth-alice", "key-alice", "")

	require.NoError(t, s.Snapshot())

	raw, err := os.ReadFile(filepath.Join(s.dir, UsersFile))
	require.NoError(t, err)

	var records []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &records))
	require.NotEmpty(t, records)

	for _, rec := range records {
		created, ok := rec["creation_date"].(string)
		require.True(t, ok)
		_, err := time.Parse(TimeFormat, created)
		assert.NoError(t, err, "creation_date %q must use the snapshot layout", created)
	}
}

func TestConvertFlagRewritesSnapshots(t *testing.T) {
	dir := t.TempDir()

	// A legacy users file counting chars instead of tokens
	legacy := `[{"username":"old","oauth_id":"oauth-old","api_key":"key-old","kudos":5,
		"kudos_details":{"accumulated":5,"gifted":0,"received":0},"id":1,"invite_id":"",
		"contributions":{"chars":4000,"fulfillments":3},"usage":{"chars":800,"requests":2},
		"creation_date":"2022-06-01 09:30:00","last_active":"2022-06-02 10:00:00"}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, UsersFile), []byte(legacy), 0o644))

	clock := newFakeClock()
	s := NewStore(Options{
		Dir:            dir,
		AllowAnonymous: true,
		Logger:         zap.NewNop().Sugar(),
		Now:            clock.Now,
	})
	require.NoError(t, s.Load(ConvertToTokens))
	require.NoError(t, s.Snapshot())

	raw, err := os.ReadFile(filepath.Join(dir, UsersFile))
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), `"chars"`))

	reloaded := NewStore(Options{Dir: dir, AllowAnonymous: true, Now: clock.Now})
	require.NoError(t, reloaded.Load(""))
	old := reloaded.FindUserByOAuthID("oauth-old")
	require.NotNil(t, old)
	assert.Equal(t, 1000, old.Contributions.Tokens)
	assert.Equal(t, 200, old.Usage.Tokens)
}

func TestSetIntervals(t *testing.T) {
	s, _ := newTestStore(t)

	s.SetIntervals(5*time.Second, 30*time.Second, 45*time.Second)
	assert.Equal(t, 5*time.Second, s.SnapshotInterval())
	assert.Equal(t, 30*time.Second, s.ReaperInterval())

	// Non-positive values leave the current cadence alone
	s.SetIntervals(0, -1, 0)
	assert.Equal(t, 5*time.Second, s.SnapshotInterval())
	assert.Equal(t, 30*time.Second, s.ReaperInterval())
}

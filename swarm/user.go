package swarm

import (
	"fmt"
	"time"

	"github.com/teranos/horde/errors"
)

// Kudos sub-ledger actions
const (
	KudosAccumulated = "accumulated"
	KudosGifted      = "gifted"
	KudosReceived    = "received"
)

// Anonymous user constants. The anon user always exists and has relaxed
// concurrency limits. The username and API-key transfer paths refuse to
// send kudos to or from it; TransferKudos itself does not check.
const (
	AnonOAuthID = "anon"
	AnonAPIKey  = "0000000000"
)

// Default concurrency limits for waiting prompts per user
const (
	DefaultMaxConcurrentWPs = 2
	AnonMaxConcurrentWPs    = 30
)

// UserKudosDetails breaks a user's balance down by how it moved.
// Entries record the signed delta of each change, so the balance is
// always the sum of the three buckets.
type UserKudosDetails struct {
	Accumulated float64 `json:"accumulated"`
	Gifted      float64 `json:"gifted"`
	Received    float64 `json:"received"`
}

// ContributionTotals counts what a user's workers have produced
type ContributionTotals struct {
	Tokens       int `json:"tokens"`
	Fulfillments int `json:"fulfillments"`
}

// UsageTotals counts what a user has consumed
type UsageTotals struct {
	Tokens   int `json:"tokens"`
	Requests int `json:"requests"`
}

// User is a registered (or anonymous) horde participant. Its kudos
// balance drives queue priority for the prompts it submits.
//
// Mutating methods require the owning Store's lock.
type User struct {
	ID               int
	OAuthID          string
	Username         string
	APIKey           string
	InviteID         string
	Kudos            float64
	KudosDetails     UserKudosDetails
	Contributions    ContributionTotals
	Usage            UsageTotals
	MaxConcurrentWPs int
	CreationDate     time.Time
	LastActive       time.Time
}

// UniqueAlias returns the collision-free display handle for the user
func (u *User) UniqueAlias() string {
	return fmt.Sprintf("%s#%d", u.Username, u.ID)
}

// CheckKey reports whether the given API key matches this user
func (u *User) CheckKey(apiKey string) bool {
	return u.APIKey != "" && u.APIKey == apiKey
}

// IsAnon reports whether this is the distinguished anonymous user
func (u *User) IsAnon() bool {
	return u.OAuthID == AnonOAuthID
}

// recordUsage charges the user for tokens consumed by a delivered generation
func (u *User) recordUsage(tokens int, kudos float64) {
	u.Usage.Tokens += tokens
	u.Usage.Requests++
	u.modifyKudos(-kudos, KudosAccumulated)
}

// recordContributions credits the user for tokens produced by its worker
func (u *User) recordContributions(tokens int, kudos float64) {
	u.Contributions.Tokens += tokens
	u.Contributions.Fulfillments++
	u.modifyKudos(kudos, KudosAccumulated)
}

// recordUptime credits the user for a worker uptime reward
func (u *User) recordUptime(kudos float64) {
	u.modifyKudos(kudos, KudosAccumulated)
}

// modifyKudos applies a signed delta to the balance and the sub-ledger
// bucket for action, keeping two-decimal precision on both.
func (u *User) modifyKudos(delta float64, action string) {
	u.Kudos = round2(u.Kudos + delta)
	switch action {
	case KudosAccumulated:
		u.KudosDetails.Accumulated = round2(u.KudosDetails.Accumulated + delta)
	case KudosGifted:
		u.KudosDetails.Gifted = round2(u.KudosDetails.Gifted + delta)
	case KudosReceived:
		u.KudosDetails.Received = round2(u.KudosDetails.Received + delta)
	}
}

// contributionsRecord is the persisted form of ContributionTotals.
// The chars field only appears in pre-token snapshots and is consumed
// by the to_tokens conversion.
type contributionsRecord struct {
	Tokens       int  `json:"tokens"`
	Chars        *int `json:"chars,omitempty"`
	Fulfillments int  `json:"fulfillments"`
}

// usageRecord is the persisted form of UsageTotals
type usageRecord struct {
	Tokens   int  `json:"tokens"`
	Chars    *int `json:"chars,omitempty"`
	Requests int  `json:"requests"`
}

// userRecord is the on-disk shape of a user in users.json
type userRecord struct {
	Username         string              `json:"username"`
	OAuthID          string              `json:"oauth_id"`
	APIKey           string              `json:"api_key"`
	Kudos            float64             `json:"kudos"`
	KudosDetails     UserKudosDetails    `json:"kudos_details"`
	ID               int                 `json:"id"`
	InviteID         string              `json:"invite_id"`
	Contributions    contributionsRecord `json:"contributions"`
	Usage            usageRecord         `json:"usage"`
	MaxConcurrentWPs *int                `json:"max_concurrent_wps"`
	CreationDate     string              `json:"creation_date"`
	LastActive       string              `json:"last_active"`
}

// serialize renders the user in its snapshot form
func (u *User) serialize() userRecord {
	maxWPs := u.MaxConcurrentWPs
	return userRecord{
		Username:     u.Username,
		OAuthID:      u.OAuthID,
		APIKey:       u.APIKey,
		Kudos:        u.Kudos,
		KudosDetails: u.KudosDetails,
		ID:           u.ID,
		InviteID:     u.InviteID,
		Contributions: contributionsRecord{
			Tokens:       u.Contributions.Tokens,
			Fulfillments: u.Contributions.Fulfillments,
		},
		Usage: usageRecord{
			Tokens:   u.Usage.Tokens,
			Requests: u.Usage.Requests,
		},
		MaxConcurrentWPs: &maxWPs,
		CreationDate:     formatTime(u.CreationDate),
		LastActive:       formatTime(u.LastActive),
	}
}

// deserializeUser rebuilds a user from its snapshot form.
// convertFlag ConvertToTokens reinterprets legacy chars counters as
// tokens (chars/4) and drops the chars keys.
func deserializeUser(rec userRecord, convertFlag string) (*User, error) {
	creation, err := parseTime(rec.CreationDate)
	if err != nil {
		return nil, errors.Wrapf(err, "bad creation_date for user %s", rec.OAuthID)
	}
	lastActive, err := parseTime(rec.LastActive)
	if err != nil {
		return nil, errors.Wrapf(err, "bad last_active for user %s", rec.OAuthID)
	}

	u := &User{
		ID:           rec.ID,
		OAuthID:      rec.OAuthID,
		Username:     rec.Username,
		APIKey:       rec.APIKey,
		InviteID:     rec.InviteID,
		Kudos:        rec.Kudos,
		KudosDetails: rec.KudosDetails,
		Contributions: ContributionTotals{
			Tokens:       rec.Contributions.Tokens,
			Fulfillments: rec.Contributions.Fulfillments,
		},
		Usage: UsageTotals{
			Tokens:   rec.Usage.Tokens,
			Requests: rec.Usage.Requests,
		},
		MaxConcurrentWPs: DefaultMaxConcurrentWPs,
		CreationDate:     creation,
		LastActive:       lastActive,
	}

	if convertFlag == ConvertToTokens {
		if rec.Contributions.Chars != nil {
			u.Contributions.Tokens = roundToInt(float64(*rec.Contributions.Chars) / 4)
		}
		if rec.Usage.Chars != nil {
			u.Usage.Tokens = roundToInt(float64(*rec.Usage.Chars) / 4)
		}
	}

	if rec.MaxConcurrentWPs != nil {
		u.MaxConcurrentWPs = *rec.MaxConcurrentWPs
	}
	// The anon key always gets the elevated concurrency allowance,
	// whatever an old snapshot says
	if u.APIKey == AnonAPIKey {
		u.MaxConcurrentWPs = AnonMaxConcurrentWPs
	}

	return u, nil
}

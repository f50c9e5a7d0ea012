package swarm

import (
	"context"
	"time"

	"github.com/teranos/horde/errors"
	"github.com/teranos/horde/oracle"
)

const (
	// maxServerPerformances bounds the horde-wide throughput history
	maxServerPerformances = 10

	// fulfillmentWindow is the lookback used for kilotokens-per-minute
	fulfillmentWindow = 60 * time.Second
)

// Fulfillment is one delivered generation in the throughput window
type Fulfillment struct {
	Tokens      int
	StartTime   time.Time
	DeliverTime time.Time
}

// Stats holds rolling horde throughput samples, the model-size
// multiplier cache, and the per-minute fulfilment window.
//
// Methods require the owning Store's lock.
type Stats struct {
	store *Store

	ServerPerformances []float64
	ModelMultipliers   map[string]float64
	Fulfillments       []Fulfillment
	LastPruning        time.Time
	Interval           time.Duration

	sizer         oracle.Sizer
	oracleTimeout time.Duration
}

// newStats creates an empty Stats bound to its store
func newStats(s *Store, sizer oracle.Sizer, interval, oracleTimeout time.Duration) *Stats {
	return &Stats{
		store:              s,
		ServerPerformances: []float64{},
		ModelMultipliers:   map[string]float64{},
		Fulfillments:       []Fulfillment{},
		LastPruning:        s.now(),
		Interval:           interval,
		sizer:              sizer,
		oracleTimeout:      oracleTimeout,
	}
}

// recordFulfilment samples the throughput of one delivered generation
// and appends it to the fulfilment window. Returns the tokens/sec rate.
// Sub-second deliveries report 1 token/sec rather than dividing by zero.
func (st *Stats) recordFulfilment(tokens int, startingTime time.Time) float64 {
	now := st.store.now()
	secondsTaken := elapsedSeconds(startingTime, now)
	var tokensPerSec float64
	if secondsTaken == 0 {
		tokensPerSec = 1
	} else {
		tokensPerSec = round1(float64(tokens) / float64(secondsTaken))
	}
	if len(st.ServerPerformances) >= maxServerPerformances {
		st.ServerPerformances = st.ServerPerformances[1:]
	}
	st.ServerPerformances = append(st.ServerPerformances, tokensPerSec)
	st.Fulfillments = append(st.Fulfillments, Fulfillment{
		Tokens:      tokens,
		StartTime:   startingTime,
		DeliverTime: now,
	})
	return tokensPerSec
}

// requestAvg is the mean horde throughput in tokens/sec, 0 with no samples
func (st *Stats) requestAvg() float64 {
	if len(st.ServerPerformances) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range st.ServerPerformances {
		sum += p
	}
	return round1(sum / float64(len(st.ServerPerformances)))
}

// kilotokensPerMin sums the tokens delivered in the last minute.
// Pruning of the fulfilment window happens here, at most once per
// Interval, so readers and the pruner can never race.
func (st *Stats) kilotokensPerMin() float64 {
	now := st.store.now()
	totalTokens := 0
	pruned := make([]Fulfillment, 0, len(st.Fulfillments))
	for _, f := range st.Fulfillments {
		if now.Sub(f.DeliverTime) <= fulfillmentWindow {
			pruned = append(pruned, f)
			totalTokens += f.Tokens
		}
	}
	if now.Sub(st.LastPruning) > st.Interval {
		st.LastPruning = now
		st.Fulfillments = pruned
		st.store.log.Debugw("Pruned fulfillments", "kept", len(pruned))
	}
	return round2(float64(totalTokens) / 1000)
}

// modelMultiplier resolves the kudos multiplier for a model: its size in
// billions of parameters. Results are cached, including the fallback of
// 1 when the oracle cannot size the model.
func (st *Stats) modelMultiplier(modelName string) float64 {
	if multiplier, ok := st.ModelMultipliers[modelName]; ok {
		return multiplier
	}

	ctx, cancel := context.WithTimeout(context.Background(), st.oracleTimeout)
	defer cancel()

	multiplier, err := st.sizer.ParametersB(ctx, modelName)
	if err != nil {
		if errors.Is(err, oracle.ErrModelNotFound) {
			st.store.log.Errorf("Model '%s' not found. Defaulting to multiplier of 1.", modelName)
		} else {
			st.store.log.Errorw("Model size lookup failed, defaulting to multiplier of 1",
				"model", modelName,
				"error", err)
		}
		multiplier = 1
	} else {
		st.store.log.Infof("New Model %s multiplier = %g", modelName, multiplier)
	}
	st.ModelMultipliers[modelName] = multiplier
	return multiplier
}

// convertTokensToKudos prices a generation. A 2.7B model at 80 tokens is
// worth around 10 kudos.
func (st *Stats) convertTokensToKudos(tokens int, modelName string) float64 {
	multiplier := st.modelMultiplier(modelName)
	return round2(float64(tokens) * multiplier / 21)
}

// fulfillmentRecord is the persisted form of a Fulfillment
type fulfillmentRecord struct {
	Tokens      int    `json:"tokens"`
	Chars       *int   `json:"chars,omitempty"`
	StartTime   string `json:"start_time"`
	DeliverTime string `json:"deliver_time"`
}

// statsRecord is the on-disk shape of stats.json. The model_mulitpliers
// spelling is the on-disk contract; fulfilment_times is the legacy key
// for server_performances and is only read.
type statsRecord struct {
	ServerPerformances    []float64           `json:"server_performances"`
	LegacyFulfilmentTimes []float64           `json:"fulfilment_times,omitempty"`
	ModelMultipliers      map[string]float64  `json:"model_mulitpliers"`
	Fulfillments          []fulfillmentRecord `json:"fulfillments"`
}

// serialize renders the stats in their snapshot form
func (st *Stats) serialize() statsRecord {
	fulfillments := make([]fulfillmentRecord, 0, len(st.Fulfillments))
	for _, f := range st.Fulfillments {
		fulfillments = append(fulfillments, fulfillmentRecord{
			Tokens:      f.Tokens,
			StartTime:   formatTime(f.StartTime),
			DeliverTime: formatTime(f.DeliverTime),
		})
	}
	return statsRecord{
		ServerPerformances: st.ServerPerformances,
		ModelMultipliers:   st.ModelMultipliers,
		Fulfillments:       fulfillments,
	}
}

// deserialize rebuilds the stats from their snapshot form
func (st *Stats) deserialize(rec statsRecord, convertFlag string) error {
	if rec.LegacyFulfilmentTimes != nil {
		st.ServerPerformances = rec.LegacyFulfilmentTimes
	} else if rec.ServerPerformances != nil {
		st.ServerPerformances = rec.ServerPerformances
	} else {
		st.ServerPerformances = []float64{}
	}

	fulfillments := make([]Fulfillment, 0, len(rec.Fulfillments))
	for _, f := range rec.Fulfillments {
		tokens := f.Tokens
		if convertFlag == ConvertToTokens && f.Chars != nil {
			tokens = roundToInt(float64(*f.Chars) / 4)
		}
		start, err := parseTime(f.StartTime)
		if err != nil {
			return errors.Wrap(err, "bad fulfillment start_time")
		}
		deliver, err := parseTime(f.DeliverTime)
		if err != nil {
			return errors.Wrap(err, "bad fulfillment deliver_time")
		}
		fulfillments = append(fulfillments, Fulfillment{
			Tokens:      tokens,
			StartTime:   start,
			DeliverTime: deliver,
		})
	}
	st.Fulfillments = fulfillments

	if rec.ModelMultipliers != nil {
		st.ModelMultipliers = rec.ModelMultipliers
	} else {
		st.ModelMultipliers = map[string]float64{}
	}
	return nil
}

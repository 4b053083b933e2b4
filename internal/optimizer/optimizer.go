// Package optimizer adapts the posting interval and hashtag rotation to the
// conversion signal. Evaluate is pure; persistence is left to the caller
// through the Load/Save helpers.
package optimizer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyderes/reel-publisher/internal/config"
	"github.com/cyderes/reel-publisher/internal/models"
	"github.com/cyderes/reel-publisher/internal/storage"
)

const (
	// MaxActivity bounds the activity log
	MaxActivity = 20
	// MaxHistory bounds the strategy's performance history
	MaxHistory = 50
)

// Decision is the branch Evaluate took
type Decision string

const (
	DecisionSlowDown Decision = "slow_down"
	DecisionSpeedUp  Decision = "speed_up"
	DecisionHold     Decision = "hold"
)

// Buckets is the fixed hashtag rotation. The last bucket is the default.
var Buckets = [][]string{
	{"#fintech", "#ecommerce", "#dropshipping"},
	{"#nocode", "#automation", "#builders"},
	{"#career", "#growth", "#productivity"},
	{"#wealth", "#ai", "#success"},
}

// Optimizer holds the interval bounds and steps
type Optimizer struct {
	minInterval   time.Duration
	maxInterval   time.Duration
	def           time.Duration
	slowdown      time.Duration
	speedup       time.Duration
	postThreshold int
}

// New creates an optimizer from the scheduler settings
func New(cfg config.SchedulerConfig) *Optimizer {
	return &Optimizer{
		minInterval:   cfg.MinInterval,
		maxInterval:   cfg.MaxInterval,
		def:           cfg.DefaultInterval,
		slowdown:      cfg.SlowdownStep,
		speedup:       cfg.SpeedupStep,
		postThreshold: cfg.PostThreshold,
	}
}

// DefaultStrategy is used when nothing has been persisted yet
func (o *Optimizer) DefaultStrategy() models.Strategy {
	return o.Clamp(models.Strategy{
		IntervalMillis: o.def.Milliseconds(),
		ActiveHashtags: append([]string(nil), Buckets[len(Buckets)-1]...),
	})
}

// Evaluate returns the next strategy. More than postThreshold posts with
// no conversion slows down by one step and rotates the hashtags; any
// conversion speeds up by one step; anything else keeps the strategy.
// The result is always within [min, max].
func (o *Optimizer) Evaluate(activity []models.ActivityRecord, conversions int, current models.Strategy) (models.Strategy, Decision) {
	next := models.Strategy{
		IntervalMillis:     current.IntervalMillis,
		ActiveHashtags:     append([]string(nil), current.ActiveHashtags...),
		PerformanceHistory: append([]models.Evaluation(nil), current.PerformanceHistory...),
	}

	decision := DecisionHold
	switch {
	case len(activity) > o.postThreshold && conversions == 0:
		decision = DecisionSlowDown
		next.IntervalMillis += o.slowdown.Milliseconds()
		next.ActiveHashtags = NextBucket(current.ActiveHashtags)
	case conversions > 0:
		decision = DecisionSpeedUp
		next.IntervalMillis -= o.speedup.Milliseconds()
	}

	return o.Clamp(next), decision
}

// Clamp keeps the interval inside [min, max]
func (o *Optimizer) Clamp(s models.Strategy) models.Strategy {
	s.IntervalMillis = max(s.IntervalMillis, o.minInterval.Milliseconds())
	s.IntervalMillis = min(s.IntervalMillis, o.maxInterval.Milliseconds())
	return s
}

// NextBucket returns the bucket after the one current starts with. An
// unknown bucket restarts the cycle at the first one.
func NextBucket(current []string) []string {
	idx := -1
	if len(current) > 0 {
		for i, b := range Buckets {
			if b[0] == current[0] {
				idx = i
				break
			}
		}
	}
	next := Buckets[(idx+1)%len(Buckets)]
	return append([]string(nil), next...)
}

// WithEvaluation appends ev to the history, keeping the newest MaxHistory
func WithEvaluation(s models.Strategy, ev models.Evaluation) models.Strategy {
	history := append(append([]models.Evaluation(nil), s.PerformanceHistory...), ev)
	if over := len(history) - MaxHistory; over > 0 {
		history = history[over:]
	}
	s.PerformanceHistory = history
	return s
}

// LoadStrategy reads the persisted strategy. Missing, corrupt or unreadable
// state falls back to the default with a warning.
func (o *Optimizer) LoadStrategy(ctx context.Context, store storage.Storage, log zerolog.Logger) models.Strategy {
	s, err := storage.LoadJSON[models.Strategy](ctx, store, storage.KeyStrategy)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Msg("could not load strategy, using default")
		}
		return o.DefaultStrategy()
	}
	if s.IntervalMillis == 0 {
		s.IntervalMillis = o.def.Milliseconds()
	}
	if len(s.ActiveHashtags) == 0 {
		s.ActiveHashtags = append([]string(nil), Buckets[len(Buckets)-1]...)
	}
	return o.Clamp(s)
}

// SaveStrategy persists s
func SaveStrategy(ctx context.Context, store storage.Storage, s models.Strategy) error {
	return storage.SaveJSON(ctx, store, storage.KeyStrategy, s)
}

// LoadActivity reads the activity log, falling back to empty
func LoadActivity(ctx context.Context, store storage.Storage, log zerolog.Logger) []models.ActivityRecord {
	activity, err := storage.LoadJSON[[]models.ActivityRecord](ctx, store, storage.KeyActivity)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Msg("could not load activity log, using empty")
	}
	return activity
}

// AppendActivity appends rec and persists the newest MaxActivity records.
// A corrupt log is set aside and replaced; a failed read is returned so the
// existing log is not overwritten.
func AppendActivity(ctx context.Context, store storage.Storage, rec models.ActivityRecord, log zerolog.Logger) error {
	activity, err := storage.LoadJSON[[]models.ActivityRecord](ctx, store, storage.KeyActivity)
	if errors.Is(err, storage.ErrCorrupt) {
		backup, qerr := storage.Quarantine(ctx, store, storage.KeyActivity)
		if qerr != nil {
			return qerr
		}
		log.Warn().Err(err).Str("backup", backup).Msg("activity log unreadable, starting fresh")
	}
	if err != nil && !storage.IsMissing(err) {
		return err
	}
	activity = append(activity, rec)
	if over := len(activity) - MaxActivity; over > 0 {
		activity = activity[over:]
	}
	return storage.SaveJSON(ctx, store, storage.KeyActivity, activity)
}

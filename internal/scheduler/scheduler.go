// Package scheduler runs the publishing loop: pick the next unposted
// artifact, publish it, record it durably, let the optimizer adapt, sleep.
// Exactly one cycle runs at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cyderes/reel-publisher/internal/config"
	"github.com/cyderes/reel-publisher/internal/conversion"
	"github.com/cyderes/reel-publisher/internal/cover"
	"github.com/cyderes/reel-publisher/internal/metrics"
	"github.com/cyderes/reel-publisher/internal/models"
	"github.com/cyderes/reel-publisher/internal/optimizer"
	"github.com/cyderes/reel-publisher/internal/queue"
	"github.com/cyderes/reel-publisher/internal/storage"
)

// ErrAuthChallenge is returned by a Publisher when the platform demands
// manual verification. The loop pauses instead of retrying.
var ErrAuthChallenge = errors.New("platform requires manual verification")

const (
	StateIdle       = "idle"
	StateSelecting  = "selecting_artifact"
	StatePublishing = "publishing"
	StateRecording  = "recording"
	StateSleeping   = "sleeping"
	StatePaused     = "paused"

	pausedMessage = "paused, needs manual action"

	recordTimeout    = 30 * time.Second
	signalTimeout    = 2 * time.Minute
	activityAttempts = 3
)

// Captions is the fixed caption pool; the active hashtags are appended
var Captions = []string{
	"Automate your income. Check link in bio.",
	"Stop trading time for money.",
	"The digital revolution is here.",
}

// Outcome classifies how a cycle ended
type Outcome string

const (
	OutcomePublished     Outcome = "published"
	OutcomeEmpty         Outcome = "empty"
	OutcomeTransient     Outcome = "transient_error"
	OutcomeAuthChallenge Outcome = "auth_challenge"
	OutcomeRecordFailed  Outcome = "record_failed"
)

// PublishRequest is what the platform needs to create one post
type PublishRequest struct {
	ArtifactID string
	Video      io.Reader
	Cover      []byte
	Caption    string
}

// PublishResult identifies the created post
type PublishResult struct {
	MediaID string
}

// Publisher posts to the platform
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (PublishResult, error)
}

// ConversionSignal reports recent conversions
type ConversionSignal interface {
	Conversions(ctx context.Context) (int, error)
}

// CoverBuilder renders the cover for an artifact
type CoverBuilder interface {
	Build(ctx context.Context, src cover.Source, id string) []byte
}

// Notifier is told about notable loop events
type Notifier interface {
	PostPublished(ctx context.Context, rec models.ActivityRecord)
	SchedulerPaused(ctx context.Context, artifactID string, cause error)
}

// Clock abstracts time so tests can drive the loop
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now().UTC() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Deps are the collaborators of the loop. Covers, Signal, Notifier and
// Clock are optional.
type Deps struct {
	Store     storage.Storage
	Source    queue.Source
	Publisher Publisher
	Signal    ConversionSignal
	Optimizer *optimizer.Optimizer
	Covers    CoverBuilder
	Notifier  Notifier
	Clock     Clock
}

// CycleResult describes one completed cycle
type CycleResult struct {
	Outcome    Outcome
	ArtifactID string
	MediaID    string
	Delay      time.Duration
	Err        error
}

// Scheduler is the publishing loop
type Scheduler struct {
	cfg            config.SchedulerConfig
	publishTimeout time.Duration
	deps           Deps
	log            zerolog.Logger

	posted *queue.PostedSet
	wake   chan struct{}

	mu            sync.RWMutex
	strategy      models.Strategy
	status        models.SchedulerStatus
	lastChallenge time.Time
}

// New creates the loop. Call Init (or Run) before RunCycle.
func New(cfg config.SchedulerConfig, publishTimeout time.Duration, deps Deps, log zerolog.Logger) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Optimizer == nil {
		deps.Optimizer = optimizer.New(cfg)
	}
	return &Scheduler{
		cfg:            cfg,
		publishTimeout: publishTimeout,
		deps:           deps,
		log:            log.With().Str("component", "scheduler").Logger(),
		posted:         queue.NewPostedSet(),
		wake:           make(chan struct{}, 1),
		status:         models.SchedulerStatus{State: StateIdle},
	}
}

// Init loads the posted set and strategy. Unreadable state falls back to
// defaults; it never fails startup.
func (s *Scheduler) Init(ctx context.Context) {
	posted := queue.LoadPostedSet(ctx, s.deps.Store, s.deps.Source, s.log)
	strategy := s.deps.Optimizer.LoadStrategy(ctx, s.deps.Store, s.log)

	s.mu.Lock()
	s.posted = posted
	s.strategy = strategy
	s.mu.Unlock()

	metrics.SetInterval(strategy.Interval())
	metrics.SetPostedArtifacts(posted.Len())
	s.log.Info().
		Dur("interval", strategy.Interval()).
		Strs("hashtags", strategy.ActiveHashtags).
		Int("posted", posted.Len()).
		Msg("scheduler initialized")
}

// Run executes cycles until ctx is cancelled. The next cycle is scheduled
// only after the current one has completed, including persistence.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Init(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}

		res := s.RunCycle(ctx)
		s.log.Info().
			Str("outcome", string(res.Outcome)).
			Str("artifact", res.ArtifactID).
			Dur("next_in", res.Delay).
			Msg("cycle complete")

		if !s.sleep(ctx, res.Delay) {
			s.setState(StateIdle)
			return nil
		}
	}
}

// sleep waits for d or a wake-up. A wake-up never starts the next cycle
// sooner than ResumeCooldown after the last platform challenge. It reports
// false when ctx is done.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	timer := s.deps.Clock.After(d)
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer:
			return true
		case <-s.wake:
			wait := s.cooldownLeft()
			if wait <= 0 {
				s.log.Info().Msg("woken up early")
				return true
			}
			s.log.Info().Dur("wait", wait).Msg("resume requested inside challenge cooldown, delaying next attempt")
			timer = s.deps.Clock.After(wait)
		}
	}
}

func (s *Scheduler) cooldownLeft() time.Duration {
	s.mu.RLock()
	last := s.lastChallenge
	s.mu.RUnlock()
	if last.IsZero() {
		return 0
	}
	return last.Add(s.cfg.ResumeCooldown).Sub(s.deps.Clock.Now())
}

// RunCycle runs one full cycle and returns how long to sleep afterwards
func (s *Scheduler) RunCycle(ctx context.Context) CycleResult {
	res := s.selectAndPublish(ctx)
	metrics.RecordCycle(string(res.Outcome))

	switch res.Outcome {
	case OutcomeAuthChallenge:
		s.pause(ctx, res)
	case OutcomePublished:
		s.clearPause()
		s.evaluate(ctx)
	default:
		s.evaluate(ctx)
	}

	res.Delay = s.nextDelay(res.Outcome)

	now := s.deps.Clock.Now()
	next := now.Add(res.Delay)
	s.mu.Lock()
	if !s.status.Paused {
		s.status.State = StateSleeping
	}
	s.status.NextRunAt = &next
	if res.Err != nil {
		s.status.LastError = res.Err.Error()
	}
	s.mu.Unlock()
	return res
}

func (s *Scheduler) selectAndPublish(ctx context.Context) CycleResult {
	s.setState(StateSelecting)

	listing, err := s.deps.Source.List(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list queue")
		return CycleResult{Outcome: OutcomeTransient, Err: err}
	}

	id, err := queue.NextArtifact(listing, s.posted)
	if errors.Is(err, queue.ErrEmptyQueue) {
		s.log.Info().Int("listed", len(listing)).Msg("no new artifacts in queue")
		return CycleResult{Outcome: OutcomeEmpty}
	}

	return s.publish(ctx, id)
}

func (s *Scheduler) publish(ctx context.Context, id string) CycleResult {
	s.setState(StatePublishing)
	log := s.log.With().Str("artifact", id).Logger()

	video, err := s.deps.Source.Open(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("failed to open artifact")
		return CycleResult{Outcome: OutcomeTransient, ArtifactID: id, Err: err}
	}
	defer video.Close()

	var coverImage []byte
	if s.deps.Covers != nil {
		coverImage = s.deps.Covers.Build(ctx, s.deps.Source, id)
	}
	caption := s.caption()

	pctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	start := time.Now()
	result, err := s.deps.Publisher.Publish(pctx, PublishRequest{
		ArtifactID: id,
		Video:      video,
		Cover:      coverImage,
		Caption:    caption,
	})
	cancel()
	metrics.RecordPublishDuration(time.Since(start))

	switch {
	case errors.Is(err, ErrAuthChallenge):
		log.Error().Err(err).Msg("platform challenge, pausing")
		return CycleResult{Outcome: OutcomeAuthChallenge, ArtifactID: id, Err: err}
	case err != nil:
		log.Warn().Err(err).Msg("publish failed, will retry next cycle")
		return CycleResult{Outcome: OutcomeTransient, ArtifactID: id, Err: err}
	}

	log.Info().Str("media_id", result.MediaID).Msg("published")
	if err := s.record(ctx, id, result, caption); err != nil {
		log.Error().Err(err).Msg("failed to record post, artifact stays eligible")
		return CycleResult{Outcome: OutcomeRecordFailed, ArtifactID: id, MediaID: result.MediaID, Err: err}
	}
	return CycleResult{Outcome: OutcomePublished, ArtifactID: id, MediaID: result.MediaID}
}

// record makes the post durable. It runs detached from ctx so a shutdown
// signal cannot interrupt it halfway.
func (s *Scheduler) record(ctx context.Context, id string, result PublishResult, caption string) error {
	s.setState(StateRecording)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	added := s.posted.Add(id)
	if err := queue.SavePostedSet(rctx, s.deps.Store, s.posted); err != nil {
		if added {
			s.posted.Remove(id)
		}
		return fmt.Errorf("failed to persist posted set: %w", err)
	}

	now := s.deps.Clock.Now()
	rec := models.ActivityRecord{
		ID:         uuid.NewString(),
		Timestamp:  now,
		ArtifactID: id,
		MediaID:    result.MediaID,
		Caption:    caption,
	}
	lastError := ""
	if err := s.appendActivity(rctx, rec); err != nil {
		// the post itself is durable; the optimizer just sees one post fewer
		s.log.Error().Err(err).Str("artifact", id).Msg("activity record not persisted")
		lastError = "activity record not persisted: " + err.Error()
	}
	if err := s.deps.Source.MarkProcessed(rctx, id); err != nil {
		s.log.Warn().Err(err).Str("artifact", id).Msg("failed to move artifact to processed")
	}

	s.mu.Lock()
	s.status.LastPostAt = &now
	s.status.LastArtifact = id
	s.status.LastError = lastError
	s.mu.Unlock()
	metrics.SetPostedArtifacts(s.posted.Len())

	if s.deps.Notifier != nil {
		s.deps.Notifier.PostPublished(rctx, rec)
	}
	return nil
}

func (s *Scheduler) appendActivity(ctx context.Context, rec models.ActivityRecord) error {
	var err error
	for attempt := 1; attempt <= activityAttempts; attempt++ {
		if err = optimizer.AppendActivity(ctx, s.deps.Store, rec, s.log); err == nil {
			return nil
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Str("artifact", rec.ArtifactID).Msg("failed to append activity record")
		if ctx.Err() != nil {
			break
		}
	}
	return err
}

// evaluate runs the optimizer once and persists the new strategy. Without a
// conversion signal there is nothing to learn from, so the strategy stays.
func (s *Scheduler) evaluate(ctx context.Context) {
	if s.deps.Signal == nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, signalTimeout)
	conversions, err := s.deps.Signal.Conversions(sctx)
	cancel()
	if errors.Is(err, conversion.ErrNoAccessToken) {
		s.log.Debug().Msg("no conversion feed configured, skipping optimizer")
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("conversion signal unavailable, skipping optimizer")
		return
	}

	activity := optimizer.LoadActivity(ctx, s.deps.Store, s.log)

	s.mu.Lock()
	next, decision := s.deps.Optimizer.Evaluate(activity, conversions, s.strategy)
	next = optimizer.WithEvaluation(next, models.Evaluation{
		At:             s.deps.Clock.Now(),
		Posts:          len(activity),
		Conversions:    conversions,
		Decision:       string(decision),
		IntervalMillis: next.IntervalMillis,
	})
	s.strategy = next
	s.mu.Unlock()

	if err := optimizer.SaveStrategy(context.WithoutCancel(ctx), s.deps.Store, next); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist strategy")
	}

	metrics.RecordOptimizerDecision(string(decision))
	metrics.SetInterval(next.Interval())
	s.log.Info().
		Str("decision", string(decision)).
		Int("posts", len(activity)).
		Int("conversions", conversions).
		Dur("interval", next.Interval()).
		Strs("hashtags", next.ActiveHashtags).
		Msg("strategy evaluated")
}

// nextDelay never returns less than the floor. While paused every cycle
// that did not publish waits the full backoff.
func (s *Scheduler) nextDelay(outcome Outcome) time.Duration {
	s.mu.RLock()
	interval := s.strategy.Interval()
	paused := s.status.Paused
	s.mu.RUnlock()

	if outcome == OutcomeAuthChallenge || (paused && outcome != OutcomePublished) {
		return max(s.cfg.PausedBackoff, s.cfg.FloorInterval)
	}
	switch outcome {
	case OutcomePublished, OutcomeEmpty:
		return max(interval, s.cfg.FloorInterval)
	default:
		return s.cfg.FloorInterval
	}
}

func (s *Scheduler) caption() string {
	s.mu.RLock()
	tags := strings.Join(s.strategy.ActiveHashtags, " ")
	s.mu.RUnlock()

	base := Captions[s.posted.Len()%len(Captions)]
	if tags == "" {
		return base
	}
	return base + " " + tags
}

func (s *Scheduler) pause(ctx context.Context, res CycleResult) {
	s.mu.Lock()
	s.status.State = StatePaused
	s.status.Paused = true
	s.status.Message = pausedMessage
	s.lastChallenge = s.deps.Clock.Now()
	s.mu.Unlock()
	metrics.SetPaused(true)

	if s.deps.Notifier != nil {
		s.deps.Notifier.SchedulerPaused(ctx, res.ArtifactID, res.Err)
	}
}

func (s *Scheduler) clearPause() {
	s.mu.Lock()
	wasPaused := s.status.Paused
	s.status.Paused = false
	s.status.Message = ""
	s.mu.Unlock()
	if wasPaused {
		metrics.SetPaused(false)
		s.log.Info().Msg("scheduler resumed after successful publish")
	}
}

// Resume clears the paused state after manual intervention and wakes the
// loop. The next cycle starts once the challenge cooldown has passed. It
// reports whether the loop was paused.
func (s *Scheduler) Resume() bool {
	s.mu.Lock()
	wasPaused := s.status.Paused
	s.status.Paused = false
	s.status.Message = ""
	if wasPaused {
		s.status.State = StateSleeping
	}
	s.mu.Unlock()

	if !wasPaused {
		return false
	}
	metrics.SetPaused(false)
	s.log.Info().Msg("manual resume requested")
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Status returns a snapshot of the loop state
func (s *Scheduler) Status() models.SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	st.IntervalMillis = s.strategy.IntervalMillis
	st.PostedCount = s.posted.Len()
	return st
}

// Strategy returns the current strategy
func (s *Scheduler) Strategy() models.Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strategy
}

// Posted reports whether id is in the posted set
func (s *Scheduler) Posted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.posted.Contains(id)
}

func (s *Scheduler) setState(state string) {
	s.mu.Lock()
	if !s.status.Paused {
		s.status.State = state
	}
	s.mu.Unlock()
}

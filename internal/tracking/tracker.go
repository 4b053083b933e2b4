// Package tracking mints tracking links, resolves them to their destination
// and keeps the click log used for attribution.
package tracking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyderes/reel-publisher/internal/models"
	"github.com/cyderes/reel-publisher/internal/storage"
)

const (
	// MaxClicks bounds the click log; the oldest events are evicted first.
	MaxClicks = 1000

	tokenBytes = 16
)

// ErrNotFound is returned by Resolve for unknown tokens and when the store
// cannot be read.
var ErrNotFound = errors.New("tracking link not found")

// Observer is notified after a click has been recorded
type Observer interface {
	ClickRecorded(ctx context.Context, ev models.ClickEvent)
}

// Resolution is what the redirect endpoint needs to answer a click
type Resolution struct {
	DestinationURL string
	ProductName    string
	CreatedAt      time.Time
}

// Tracker is the click attribution service. All document reads and writes
// happen under one mutex, so concurrent mints and resolves never interleave
// their read-modify-write sequences.
type Tracker struct {
	store    storage.Storage
	baseURL  string
	now      func() time.Time
	log      zerolog.Logger
	observer Observer

	mu sync.Mutex
}

// Option customizes a Tracker
type Option func(*Tracker)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithObserver registers a click observer
func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observer = o }
}

// NewTracker creates a tracker that builds links as baseURL + "/track/" + token
func NewTracker(store storage.Storage, baseURL string, log zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:   store,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     func() time.Time { return time.Now().UTC() },
		log:     log.With().Str("component", "tracker").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewToken returns 128 random bits, hex encoded
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// URL returns the public tracking URL for token
func (t *Tracker) URL(token string) string {
	return t.baseURL + "/track/" + token
}

// Mint stores a new redirect and returns its tracking URL. The mapping is
// durable before the URL is returned; on any storage failure no URL is
// handed out and the caller should fall back to the raw destination.
func (t *Tracker) Mint(ctx context.Context, productName, destinationURL, requesterID string) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	redirects, err := t.loadRedirects(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load redirects: %w", err)
	}
	if _, exists := redirects[token]; exists {
		return "", fmt.Errorf("token collision")
	}

	redirects[token] = models.Redirect{
		ProductName:    productName,
		DestinationURL: destinationURL,
		RequesterID:    requesterID,
		CreatedAt:      t.now(),
	}
	if err := storage.SaveJSON(ctx, t.store, storage.KeyRedirects, redirects); err != nil {
		return "", err
	}

	t.log.Info().Str("product", productName).Str("token", token).Msg("tracking link minted")
	return t.URL(token), nil
}

// Resolve records a click on token and returns where to send the visitor.
// Every call on a known token appends exactly one click event.
func (t *Tracker) Resolve(ctx context.Context, token string, meta models.ClickMetadata) (*Resolution, error) {
	ev, redirect, err := t.recordClick(ctx, token, meta)
	if err != nil {
		return nil, err
	}
	if t.observer != nil {
		t.observer.ClickRecorded(ctx, ev)
	}
	return &Resolution{
		DestinationURL: redirect.DestinationURL,
		ProductName:    redirect.ProductName,
		CreatedAt:      redirect.CreatedAt,
	}, nil
}

func (t *Tracker) recordClick(ctx context.Context, token string, meta models.ClickMetadata) (models.ClickEvent, models.Redirect, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	redirects, err := t.loadRedirects(ctx)
	if err != nil {
		t.log.Error().Err(err).Str("token", token).Msg("failed to load redirects")
		return models.ClickEvent{}, models.Redirect{}, ErrNotFound
	}
	redirect, ok := redirects[token]
	if !ok {
		t.log.Warn().Str("token", token).Msg("invalid tracking id")
		return models.ClickEvent{}, models.Redirect{}, ErrNotFound
	}

	now := t.now()
	ev := models.ClickEvent{
		TrackingToken:  token,
		ProductName:    redirect.ProductName,
		DestinationURL: redirect.DestinationURL,
		RequesterID:    redirect.RequesterID,
		Timestamp:      now,
		Click:          withClickDefaults(meta),
	}

	clicks, err := t.loadClicks(ctx)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to load click log")
		return models.ClickEvent{}, models.Redirect{}, ErrNotFound
	}
	clicks = appendCapped(clicks, ev, MaxClicks)
	if err := storage.SaveJSON(ctx, t.store, storage.KeyClicks, clicks); err != nil {
		t.log.Error().Err(err).Str("token", token).Msg("failed to log click")
		return models.ClickEvent{}, models.Redirect{}, ErrNotFound
	}

	// The flag is monotone and the click is already logged, so a failed
	// update here does not lose attribution.
	if !redirect.Clicked {
		redirect.Clicked = true
		redirect.ClickedAt = &now
		redirects[token] = redirect
		if err := storage.SaveJSON(ctx, t.store, storage.KeyRedirects, redirects); err != nil {
			t.log.Warn().Err(err).Str("token", token).Msg("failed to mark redirect clicked")
		}
	}

	t.log.Info().Str("product", redirect.ProductName).Str("token", token).Msg("click logged")
	return ev, redirect, nil
}

// Stats aggregates the click log, optionally restricted to one product
func (t *Tracker) Stats(ctx context.Context, productName string) (models.ClickStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clicks, err := t.loadClicks(ctx)
	if err != nil {
		return models.ClickStats{}, err
	}
	redirects, err := t.loadRedirects(ctx)
	if err != nil {
		return models.ClickStats{}, err
	}
	return Aggregate(clicks, redirects, productName), nil
}

// Aggregate computes click statistics without touching storage
func Aggregate(clicks []models.ClickEvent, redirects map[string]models.Redirect, productName string) models.ClickStats {
	stats := models.ClickStats{ClicksByProduct: map[string]int{}}
	users := map[string]struct{}{}

	for _, c := range clicks {
		if productName != "" && c.ProductName != productName {
			continue
		}
		stats.TotalClicks++
		stats.ClicksByProduct[c.ProductName]++
		if c.RequesterID != "" {
			users[c.RequesterID] = struct{}{}
		}
	}
	stats.UniqueUsers = len(users)

	stats.TotalRedirects = len(redirects)
	for _, r := range redirects {
		if r.Clicked {
			stats.ClickedRedirects++
		}
	}
	return stats
}

// Recent returns up to limit click events, newest first
func (t *Tracker) Recent(ctx context.Context, limit int) ([]models.ClickEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clicks, err := t.loadClicks(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(clicks) {
		limit = len(clicks)
	}

	out := make([]models.ClickEvent, 0, limit)
	for i := len(clicks) - 1; i >= len(clicks)-limit; i-- {
		out = append(out, clicks[i])
	}
	return out, nil
}

func (t *Tracker) loadRedirects(ctx context.Context) (map[string]models.Redirect, error) {
	redirects, err := storage.LoadJSON[map[string]models.Redirect](ctx, t.store, storage.KeyRedirects)
	if errors.Is(err, storage.ErrCorrupt) {
		if err := t.quarantine(ctx, storage.KeyRedirects, err); err != nil {
			return nil, err
		}
	}
	if err != nil && !storage.IsMissing(err) {
		return nil, err
	}
	if redirects == nil {
		redirects = map[string]models.Redirect{}
	}
	return redirects, nil
}

func (t *Tracker) loadClicks(ctx context.Context) ([]models.ClickEvent, error) {
	clicks, err := storage.LoadJSON[[]models.ClickEvent](ctx, t.store, storage.KeyClicks)
	if errors.Is(err, storage.ErrCorrupt) {
		if err := t.quarantine(ctx, storage.KeyClicks, err); err != nil {
			return nil, err
		}
	}
	if err != nil && !storage.IsMissing(err) {
		return nil, err
	}
	return clicks, nil
}

func appendCapped(clicks []models.ClickEvent, ev models.ClickEvent, max int) []models.ClickEvent {
	clicks = append(clicks, ev)
	if over := len(clicks) - max; over > 0 {
		clicks = clicks[over:]
	}
	return clicks
}

func withClickDefaults(m models.ClickMetadata) models.ClickMetadata {
	if m.IP == "" {
		m.IP = "unknown"
	}
	if m.UserAgent == "" {
		m.UserAgent = "unknown"
	}
	if m.Referrer == "" {
		m.Referrer = "instagram"
	}
	return m
}

// quarantine sets a corrupt document aside before it is treated as empty.
// If the copy fails the caller must not go on to overwrite the original.
func (t *Tracker) quarantine(ctx context.Context, key string, cause error) error {
	backup, err := storage.Quarantine(ctx, t.store, key)
	if err != nil {
		t.log.Error().Err(err).Str("key", key).Msg("corrupt document could not be set aside")
		return err
	}
	t.log.Warn().Err(cause).Str("key", key).Str("backup", backup).Msg("corrupt document set aside, starting fresh")
	return nil
}

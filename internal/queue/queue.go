// Package queue selects the next artifact to publish and keeps the set of
// artifacts that must never be published again.
package queue

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cyderes/reel-publisher/internal/storage"
)

var (
	// ErrEmptyQueue means every listed artifact has already been posted
	ErrEmptyQueue = errors.New("queue is empty")
	// ErrNoCover means the source has no sidecar image for an artifact
	ErrNoCover = errors.New("no cover image")
)

// processedSuffix is appended by older tooling to files it moved away
const processedSuffix = "_processed"

// Source is where artifacts waiting for publication live
type Source interface {
	// List returns candidate artifact ids in a stable order
	List(ctx context.Context) ([]string, error)
	// Processed returns ids found in the processed location
	Processed(ctx context.Context) ([]string, error)
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	// OpenCover returns a sidecar image for id or ErrNoCover
	OpenCover(ctx context.Context, id string) (io.ReadCloser, error)
	MarkProcessed(ctx context.Context, id string) error
}

// NextArtifact returns the first id of listing that is not in posted.
// The listing order is kept as is.
func NextArtifact(listing []string, posted *PostedSet) (string, error) {
	for _, id := range listing {
		if !posted.Contains(id) {
			return id, nil
		}
	}
	return "", ErrEmptyQueue
}

// PostedSet is the write-once set of published artifact ids
type PostedSet struct {
	mu    sync.RWMutex
	ids   map[string]struct{}
	order []string
}

// NewPostedSet creates a set holding ids
func NewPostedSet(ids ...string) *PostedSet {
	p := &PostedSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		p.Add(id)
	}
	return p
}

// Add inserts id and reports whether it was new
func (p *PostedSet) Add(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ids[id]; ok {
		return false
	}
	p.ids[id] = struct{}{}
	p.order = append(p.order, id)
	return true
}

// Remove undoes an Add whose persistence failed
func (p *PostedSet) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ids[id]; !ok {
		return
	}
	delete(p.ids, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Contains reports membership
func (p *PostedSet) Contains(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.ids[id]
	return ok
}

// Len returns the number of posted ids
func (p *PostedSet) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ids)
}

// Slice returns the ids in insertion order
func (p *PostedSet) Slice() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// LoadPostedSet rebuilds the posted set as the union of the persisted
// document and the source's processed location. Neither failure is fatal:
// each is logged and the other signal is still used.
func LoadPostedSet(ctx context.Context, store storage.Storage, src Source, log zerolog.Logger) *PostedSet {
	set := NewPostedSet()

	saved, err := storage.LoadJSON[[]string](ctx, store, storage.KeyPostedArtifacts)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
	case errors.Is(err, storage.ErrCorrupt):
		backup, qerr := storage.Quarantine(ctx, store, storage.KeyPostedArtifacts)
		if qerr != nil {
			log.Error().Err(qerr).Msg("corrupt posted artifacts could not be set aside")
		}
		log.Warn().Err(err).Str("backup", backup).Msg("posted artifacts unreadable, continuing with processed listing")
	default:
		log.Warn().Err(err).Msg("could not load posted artifacts, continuing with processed listing")
	}
	for _, id := range saved {
		set.Add(id)
	}

	processed, err := src.Processed(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not list processed artifacts")
	}
	recovered := 0
	for _, id := range processed {
		if set.Add(id) {
			recovered++
		}
	}

	log.Info().
		Int("persisted", len(saved)).
		Int("recovered_from_processed", recovered).
		Int("total", set.Len()).
		Msg("posted artifacts loaded")
	return set
}

// SavePostedSet persists the whole set
func SavePostedSet(ctx context.Context, store storage.Storage, set *PostedSet) error {
	return storage.SaveJSON(ctx, store, storage.KeyPostedArtifacts, set.Slice())
}

// normalizeProcessed maps "x_processed.mp4" back to "x.mp4"
func normalizeProcessed(name, ext string) string {
	stem := strings.TrimSuffix(name, ext)
	if stem == name {
		return name
	}
	return strings.TrimSuffix(stem, processedSuffix) + ext
}

func hasExt(name, ext string) bool {
	return strings.HasSuffix(strings.ToLower(name), strings.ToLower(ext))
}

func sortedUnique(ids []string) []string {
	sort.Strings(ids)
	out := ids[:0]
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}
		out = append(out, id)
	}
	return out
}

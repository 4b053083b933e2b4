// Package inbox answers direct messages that name a product with a
// tracking link for that product, and messages carrying a license key with
// a tracking link to the download.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cyderes/reel-publisher/internal/metrics"
)

const (
	// DedupSize bounds the number of remembered message keys
	DedupSize = 1000
	// DedupTTL is how long a handled message key is remembered
	DedupTTL = 24 * time.Hour

	replyPrefix    = "Here is your link: "
	verifiedPrefix = "Verified! Access: "
	downloadSuffix = "_DOWNLOAD"

	// maxParallelVerifications bounds concurrent license checks per message
	maxParallelVerifications = 4
)

var licensePattern = regexp.MustCompile(`(?i)[A-Z0-9]{8}-[A-Z0-9]{8}-[A-Z0-9]{8}-[A-Z0-9]{8}`)

// Result values reported by Handle
const (
	ResultReplied    = "replied"
	ResultFallback   = "fallback"
	ResultDuplicate  = "duplicate"
	ResultIgnored    = "ignored"
	ResultVerified   = "verified"
	ResultUnverified = "unverified"
)

// ErrInvalidMessage is returned for messages without a thread or message id
var ErrInvalidMessage = errors.New("message must carry threadId and messageId")

// Message is one inbound direct message
type Message struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId,omitempty"`
	Type      string `json:"type,omitempty"`
	Text      string `json:"text"`
}

// Key identifies the message for deduplication
func (m Message) Key() string {
	return m.ThreadID + "_" + m.MessageID
}

// Reply is what the listener should send back, if anything
type Reply struct {
	Result  string `json:"result"`
	Product string `json:"product,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Catalog resolves a product trigger to its destination URL and lists the
// storefront ids license keys are checked against
type Catalog interface {
	Lookup(ctx context.Context, name string) (string, bool)
	ProductIDs(ctx context.Context) map[string]string
}

// LicenseVerifier checks a license key against one product
type LicenseVerifier interface {
	VerifyLicense(ctx context.Context, productID, licenseKey string) (bool, error)
}

// Minter mints tracking URLs
type Minter interface {
	Mint(ctx context.Context, productName, destinationURL, requesterID string) (string, error)
}

// Handler turns product keywords into tracking-link replies. Each
// message key is handled at most once while it stays in the dedup set;
// the set holds at most DedupSize keys and drops keys older than DedupTTL.
type Handler struct {
	catalog      Catalog
	minter       Minter
	licenses     LicenseVerifier
	downloadBase string
	log          zerolog.Logger

	mu   sync.Mutex
	seen *lru.LRU[string, struct{}]
}

// Option customizes a Handler
type Option func(*Handler)

// WithLicenses enables license-key messages. A verified key is answered
// with a tracking link to downloadBase/<key>.
func WithLicenses(verifier LicenseVerifier, downloadBase string) Option {
	return func(h *Handler) {
		h.licenses = verifier
		h.downloadBase = strings.TrimRight(downloadBase, "/")
	}
}

// NewHandler creates a handler with the default dedup window
func NewHandler(catalog Catalog, minter Minter, log zerolog.Logger, opts ...Option) *Handler {
	return newHandler(catalog, minter, DedupSize, DedupTTL, log, opts...)
}

func newHandler(catalog Catalog, minter Minter, size int, ttl time.Duration, log zerolog.Logger, opts ...Option) *Handler {
	h := &Handler{
		catalog: catalog,
		minter:  minter,
		seen:    lru.NewLRU[string, struct{}](size, nil, ttl),
		log:     log.With().Str("component", "inbox").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one message and returns the reply to send
func (h *Handler) Handle(ctx context.Context, msg Message) (Reply, error) {
	if msg.ThreadID == "" || msg.MessageID == "" {
		return Reply{}, ErrInvalidMessage
	}

	if !h.markSeen(msg.Key()) {
		metrics.RecordInboxMessage(ResultDuplicate)
		return Reply{Result: ResultDuplicate}, nil
	}

	if msg.Type != "" && msg.Type != "text" {
		metrics.RecordInboxMessage(ResultIgnored)
		return Reply{Result: ResultIgnored}, nil
	}

	trigger := strings.ToUpper(strings.TrimSpace(msg.Text))
	destination, ok := h.catalog.Lookup(ctx, trigger)
	if !ok {
		if key := licensePattern.FindString(msg.Text); key != "" && h.licenses != nil {
			return h.handleLicense(ctx, msg, key)
		}
		metrics.RecordInboxMessage(ResultIgnored)
		return Reply{Result: ResultIgnored}, nil
	}

	requester := requesterOf(msg)
	result := ResultReplied
	link, err := h.minter.Mint(ctx, trigger, destination, requester)
	metrics.RecordLinkMinted(trigger, err == nil)
	if err != nil {
		h.log.Error().Err(err).Str("product", trigger).Msg("tracking link generation failed, using raw url")
		link = destination
		result = ResultFallback
	}

	h.log.Info().
		Str("product", trigger).
		Str("thread", msg.ThreadID).
		Str("result", result).
		Msg("sent product link")
	metrics.RecordInboxMessage(result)

	return Reply{Result: result, Product: trigger, Text: replyPrefix + link}, nil
}

// handleLicense checks key against every product with an id and answers
// with a download link for the first product, by name, that accepts it.
// When no product accepts the key nothing is sent. If a check failed and
// none succeeded the message is forgotten so a redelivery retries it.
func (h *Handler) handleLicense(ctx context.Context, msg Message, key string) (Reply, error) {
	ids := h.catalog.ProductIDs(ctx)
	names := make([]string, 0, len(ids))
	for name, id := range ids {
		if id != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	accepted := make([]bool, len(names))
	failures := make([]error, len(names))
	var g errgroup.Group
	g.SetLimit(maxParallelVerifications)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			ok, err := h.licenses.VerifyLicense(ctx, ids[name], key)
			if err != nil {
				h.log.Warn().Err(err).Str("product", name).Msg("license check failed")
				failures[i] = err
				return nil
			}
			accepted[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	product := ""
	for i, ok := range accepted {
		if ok {
			product = names[i]
			break
		}
	}
	if product == "" {
		if err := errors.Join(failures...); err != nil {
			h.Forget(msg)
			return Reply{}, fmt.Errorf("license verification failed: %w", err)
		}
		h.log.Info().Str("thread", msg.ThreadID).Msg("license key not recognised")
		metrics.RecordInboxMessage(ResultUnverified)
		return Reply{Result: ResultUnverified}, nil
	}

	name := product + downloadSuffix
	destination := h.downloadBase + "/" + url.PathEscape(key)
	link, err := h.minter.Mint(ctx, name, destination, requesterOf(msg))
	metrics.RecordLinkMinted(name, err == nil)
	if err != nil {
		h.log.Error().Err(err).Str("product", name).Msg("tracking link generation failed, using raw url")
		link = destination
	}

	h.log.Info().Str("product", product).Str("thread", msg.ThreadID).Msg("sent verified download link")
	metrics.RecordInboxMessage(ResultVerified)
	return Reply{Result: ResultVerified, Product: name, Text: verifiedPrefix + link}, nil
}

func requesterOf(msg Message) string {
	if msg.SenderID != "" {
		return msg.SenderID
	}
	return msg.ThreadID
}

// markSeen records key and reports whether it was new
func (h *Handler) markSeen(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Get ignores entries past their TTL even before the cleanup sweep
	if _, ok := h.seen.Get(key); ok {
		return false
	}
	h.seen.Add(key, struct{}{})
	return true
}

// Forget drops a message key so a redelivery is handled again. Listeners
// call it when sending the reply failed.
func (h *Handler) Forget(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen.Remove(msg.Key())
}

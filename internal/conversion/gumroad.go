// Package conversion reads the external sales feed used as the optimizer's
// conversion signal.
package conversion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyderes/reel-publisher/internal/config"
)

const (
	maxPages         = 10
	placeholderToken = "your_gumroad_access_token"
)

var (
	// ErrNoAccessToken means the sales feed is not configured
	ErrNoAccessToken = errors.New("gumroad access token missing")

	errPermanent = errors.New("permanent API error")
)

// Sale is the subset of a Gumroad sale we use
type Sale struct {
	ID          string `json:"id"`
	ProductName string `json:"product_name"`
	Price       int    `json:"price"`
	CreatedAt   string `json:"created_at"`
}

type salesResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Sales       []Sale `json:"sales"`
	NextPageKey string `json:"next_page_key"`
}

type licenseResponse struct {
	Success  bool   `json:"success"`
	Uses     int    `json:"uses"`
	Message  string `json:"message"`
	Purchase struct {
		Refunded     bool `json:"refunded"`
		Chargebacked bool `json:"chargebacked"`
	} `json:"purchase"`
}

// GumroadClient counts recent sales and verifies license keys
type GumroadClient struct {
	config     config.ConversionConfig
	httpClient *http.Client
	now        func() time.Time
	backoff    time.Duration
	log        zerolog.Logger
}

// NewGumroadClient creates a new sales feed client
func NewGumroadClient(cfg config.ConversionConfig, log zerolog.Logger) *GumroadClient {
	return &GumroadClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		now:     time.Now,
		backoff: time.Second,
		log:     log.With().Str("component", "gumroad").Logger(),
	}
}

// HasAccessToken reports whether a real token is configured
func (c *GumroadClient) HasAccessToken() bool {
	t := strings.TrimSpace(c.config.AccessToken)
	return t != "" && t != placeholderToken
}

// Conversions returns the number of sales inside the configured window
func (c *GumroadClient) Conversions(ctx context.Context) (int, error) {
	sales, err := c.Sales(ctx)
	if err != nil {
		return 0, err
	}
	return len(sales), nil
}

// Sales fetches all sales inside the configured window
func (c *GumroadClient) Sales(ctx context.Context) ([]Sale, error) {
	if !c.HasAccessToken() {
		return nil, ErrNoAccessToken
	}

	after := c.now().Add(-c.config.Window)
	var all []Sale
	pageKey := ""
	for page := 0; page < maxPages; page++ {
		resp, err := c.fetchSales(ctx, after, pageKey)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch sales: %w", err)
		}
		all = append(all, resp.Sales...)
		if resp.NextPageKey == "" {
			break
		}
		pageKey = resp.NextPageKey
	}

	c.log.Debug().Int("sales", len(all)).Time("after", after).Msg("sales fetched")
	return all, nil
}

// fetchSales fetches one page with retry logic
func (c *GumroadClient) fetchSales(ctx context.Context, after time.Time, pageKey string) (*salesResponse, error) {
	attempts := max(c.config.RetryCount, 1)
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := c.fetchSalesOnce(ctx, after, pageKey)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, errPermanent) {
			return nil, err
		}

		lastErr = err
		if attempt < attempts-1 {
			// linear backoff
			waitTime := time.Duration(attempt+1) * c.backoff
			c.log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", waitTime).Msg("sales fetch failed")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(waitTime):
			}
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// fetchSalesOnce performs a single fetch attempt
func (c *GumroadClient) fetchSalesOnce(ctx context.Context, after time.Time, pageKey string) (*salesResponse, error) {
	q := url.Values{}
	q.Set("access_token", c.config.AccessToken)
	q.Set("after", after.UTC().Format("2006-01-02"))
	if pageKey != "" {
		q.Set("page_key", pageKey)
	}
	endpoint := strings.TrimRight(c.config.APIEndpoint, "/") + "/sales?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: API returned status %d", errPermanent, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	var out salesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("%w: %s", errPermanent, out.Message)
	}

	return &out, nil
}

// VerifyLicense checks licenseKey against productID and counts one use of
// it. Keys the store does not know, and keys of refunded purchases, are
// reported as false with a nil error. No access token is needed.
func (c *GumroadClient) VerifyLicense(ctx context.Context, productID, licenseKey string) (bool, error) {
	if productID == "" || licenseKey == "" {
		return false, nil
	}

	form := url.Values{}
	form.Set("product_id", productID)
	form.Set("license_key", licenseKey)
	form.Set("increment_uses_count", "true")
	endpoint := strings.TrimRight(c.config.APIEndpoint, "/") + "/licenses/verify"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("failed to read response body: %w", err)
	}

	// unknown keys come back as 404 with success=false
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	var out licenseResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return false, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !out.Success || out.Purchase.Refunded || out.Purchase.Chargebacked {
		c.log.Debug().Str("product_id", productID).Str("message", out.Message).Msg("license rejected")
		return false, nil
	}

	c.log.Info().Str("product_id", productID).Int("uses", out.Uses).Msg("license verified")
	return true, nil
}

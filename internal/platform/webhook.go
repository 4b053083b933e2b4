// Package platform bridges the publishing loop to the service that
// actually posts to the social platform.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cyderes/reel-publisher/internal/config"
	"github.com/cyderes/reel-publisher/internal/scheduler"
)

// error codes the bridge reports when the account needs a human
var challengeCodes = []string{"challenge_required", "login_required", "checkpoint_required"}

type webhookResponse struct {
	MediaID string `json:"mediaId"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WebhookPublisher posts each reel as multipart/form-data to an HTTP bridge
type WebhookPublisher struct {
	endpoint   string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewWebhookPublisher creates a publisher for cfg.Endpoint. The publish
// timeout comes from the caller's context.
func NewWebhookPublisher(cfg config.PublishConfig, log zerolog.Logger) *WebhookPublisher {
	return &WebhookPublisher{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{},
		log:        log.With().Str("component", "publisher").Logger(),
	}
}

// Publish streams the video, cover and caption to the bridge
func (p *WebhookPublisher) Publish(ctx context.Context, req scheduler.PublishRequest) (scheduler.PublishResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeForm(mw, req))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, pr)
	if err != nil {
		pr.Close()
		return scheduler.PublishResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		pr.Close()
		return scheduler.PublishResult{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return scheduler.PublishResult{}, fmt.Errorf("failed to read response body: %w", err)
	}

	var out webhookResponse
	_ = json.Unmarshal(body, &out)

	if code := challengeCode(out, body); code != "" {
		return scheduler.PublishResult{}, fmt.Errorf("%s: %w", code, scheduler.ErrAuthChallenge)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(out.Error + " " + out.Message)
		return scheduler.PublishResult{}, fmt.Errorf("publish endpoint returned status %d: %s", resp.StatusCode, msg)
	}
	if out.MediaID == "" {
		return scheduler.PublishResult{}, fmt.Errorf("publish endpoint returned no media id")
	}

	p.log.Debug().Str("artifact", req.ArtifactID).Str("media_id", out.MediaID).Msg("bridge accepted post")
	return scheduler.PublishResult{MediaID: out.MediaID}, nil
}

func writeForm(mw *multipart.Writer, req scheduler.PublishRequest) error {
	if err := mw.WriteField("artifact", req.ArtifactID); err != nil {
		return err
	}
	if err := mw.WriteField("caption", req.Caption); err != nil {
		return err
	}
	if len(req.Cover) > 0 {
		fw, err := mw.CreateFormFile("cover", "cover.jpg")
		if err != nil {
			return err
		}
		if _, err := fw.Write(req.Cover); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("video", req.ArtifactID)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, req.Video); err != nil {
		return err
	}
	return mw.Close()
}

func challengeCode(out webhookResponse, body []byte) string {
	haystack := strings.ToLower(out.Error + " " + out.Message)
	if out.Error == "" && out.Message == "" {
		haystack = strings.ToLower(string(body))
	}
	for _, code := range challengeCodes {
		if strings.Contains(haystack, code) {
			return code
		}
	}
	return ""
}

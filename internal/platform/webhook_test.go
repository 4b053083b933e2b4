package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/reel-publisher/internal/config"
	"github.com/cyderes/reel-publisher/internal/scheduler"
)

func request() scheduler.PublishRequest {
	return scheduler.PublishRequest{
		ArtifactID: "a.mp4",
		Video:      strings.NewReader("video-bytes"),
		Cover:      []byte("cover-bytes"),
		Caption:    "Stop trading time for money. #ai",
	}
}

func TestWebhookPublisher_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "a.mp4", r.FormValue("artifact"))
		assert.Equal(t, "Stop trading time for money. #ai", r.FormValue("caption"))

		f, hdr, err := r.FormFile("video")
		require.NoError(t, err)
		body, _ := io.ReadAll(f)
		assert.Equal(t, "video-bytes", string(body))
		assert.Equal(t, "a.mp4", hdr.Filename)

		c, _, err := r.FormFile("cover")
		require.NoError(t, err)
		body, _ = io.ReadAll(c)
		assert.Equal(t, "cover-bytes", string(body))

		json.NewEncoder(w).Encode(map[string]string{"mediaId": "178954"})
	}))
	defer server.Close()

	p := NewWebhookPublisher(config.PublishConfig{Endpoint: server.URL}, zerolog.Nop())
	res, err := p.Publish(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "178954", res.MediaID)
}

func TestWebhookPublisher_ChallengeMapsToAuthChallenge(t *testing.T) {
	bodies := []struct {
		status int
		body   string
	}{
		{http.StatusBadRequest, `{"error":"challenge_required","message":"verify it's you"}`},
		{http.StatusForbidden, `{"message":"login_required"}`},
		{http.StatusBadRequest, `checkpoint_required`},
	}
	for _, b := range bodies {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.Copy(io.Discard, r.Body)
			w.WriteHeader(b.status)
			w.Write([]byte(b.body))
		}))

		p := NewWebhookPublisher(config.PublishConfig{Endpoint: server.URL}, zerolog.Nop())
		_, err := p.Publish(context.Background(), request())
		assert.ErrorIs(t, err, scheduler.ErrAuthChallenge, b.body)
		server.Close()
	}
}

func TestWebhookPublisher_OtherErrorsAreTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream timeout"}`))
	}))
	defer server.Close()

	p := NewWebhookPublisher(config.PublishConfig{Endpoint: server.URL}, zerolog.Nop())
	_, err := p.Publish(context.Background(), request())
	require.Error(t, err)
	assert.NotErrorIs(t, err, scheduler.ErrAuthChallenge)
	assert.Contains(t, err.Error(), "status 502")
}

func TestWebhookPublisher_MissingMediaID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	p := NewWebhookPublisher(config.PublishConfig{Endpoint: server.URL}, zerolog.Nop())
	_, err := p.Publish(context.Background(), request())
	assert.Error(t, err)
}

func TestWebhookPublisher_RespectsContextDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := NewWebhookPublisher(config.PublishConfig{Endpoint: server.URL}, zerolog.Nop())
	_, err := p.Publish(ctx, request())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

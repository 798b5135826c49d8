package tts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/worker"
)

func TestSynthesizeErrorsWhenUnconfigured(t *testing.T) {
	p := New(Config{})
	if _, _, err := p.Synthesize(context.Background(), "hi"); err == nil {
		t.Fatal("expected an error when no proxy URL is configured")
	}
}

func TestSynthesizeReturnsAudioOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != synthesizeEndpoint {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "audio/ogg")
		w.Write([]byte("fake-audio-bytes"))
	}))
	defer srv.Close()

	p := New(Config{ProxyURL: srv.URL})
	audio, mimeType, err := p.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "fake-audio-bytes" || mimeType != "audio/ogg" {
		t.Fatalf("unexpected result: audio=%q mimeType=%q", audio, mimeType)
	}
}

func TestSynthesizeSurfacesAPIKeyErrorOn403(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := New(Config{ProxyURL: srv.URL, APIKey: "bad-key"})
	_, _, err := p.Synthesize(context.Background(), "hello")

	var keyErr *worker.APIKeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("expected an APIKeyError, got %v", err)
	}
}

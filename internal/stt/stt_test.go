package stt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/worker"
)

func TestTranscribeSkipsSilentlyWhenUnconfigured(t *testing.T) {
	p := New(Config{})
	text, err := p.Transcribe(context.Background(), []byte("audio"), "audio/ogg")
	if err != nil || text != "" {
		t.Fatalf("expected a silent no-op, got text=%q err=%v", text, err)
	}
}

func TestTranscribeReturnsTranscriptOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != transcribeEndpoint {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"transcript":"hello world"}`))
	}))
	defer srv.Close()

	p := New(Config{ProxyURL: srv.URL})
	text, err := p.Transcribe(context.Background(), []byte("audio-bytes"), "audio/ogg")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected transcript: %q", text)
	}
}

func TestTranscribeSurfacesAPIKeyErrorOn401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New(Config{ProxyURL: srv.URL, APIKey: "bad-key"})
	_, err := p.Transcribe(context.Background(), []byte("audio-bytes"), "audio/ogg")

	var keyErr *worker.APIKeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("expected an APIKeyError, got %v", err)
	}
}

func TestTranscribeWrapsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	p := New(Config{ProxyURL: srv.URL})
	_, err := p.Transcribe(context.Background(), []byte("audio-bytes"), "audio/ogg")
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}

package deepgram_test

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/callyx/pkg/provider/stt/deepgram"
)

func speech(rate, ms int) []int16 {
	out := make([]int16, rate*ms/1000)
	for i := range out {
		out[i] = int16(9000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

const responseJSON = `{
	"results": {
		"channels": [{
			"alternatives": [{
				"transcript": "Yes, we are open until nine.",
				"confidence": 0.98
			}]
		}]
	}
}`

func TestNew_EmptyAPIKey_ReturnsError(t *testing.T) {
	if _, err := deepgram.New(""); err == nil {
		t.Fatal("expected error for empty apiKey, got nil")
	}
}

func TestTranscribe_ReturnsBestAlternative(t *testing.T) {
	var gotAuth, gotModel, gotKeyterm string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotModel = r.URL.Query().Get("model")
		gotKeyterm = r.URL.Query().Get("keyterm")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(responseJSON))
	}))
	t.Cleanup(srv.Close)

	p, err := deepgram.New("secret",
		deepgram.WithEndpoint(srv.URL),
		deepgram.WithModel("nova-3"),
		deepgram.WithKeyterms([]string{"Callyx"}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := p.Transcribe(context.Background(), speech(24000, 800), 24000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "Yes, we are open until nine." {
		t.Errorf("transcript: got %q", text)
	}
	if gotAuth != "Token secret" {
		t.Errorf("authorization header: got %q", gotAuth)
	}
	if gotModel != "nova-3" {
		t.Errorf("model param: got %q", gotModel)
	}
	if gotKeyterm != "Callyx" {
		t.Errorf("keyterm param: got %q", gotKeyterm)
	}
}

func TestTranscribe_EmptyResults_ReturnsEmptyText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":{"channels":[]}}`))
	}))
	t.Cleanup(srv.Close)

	p, err := deepgram.New("secret", deepgram.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := p.Transcribe(context.Background(), speech(16000, 500), 16000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "" {
		t.Errorf("want empty transcript, got %q", text)
	}
}

func TestTranscribe_HTTPError_IncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"err_msg":"invalid api key"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	p, err := deepgram.New("bad-key", deepgram.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Transcribe(context.Background(), speech(16000, 500), 16000); err == nil {
		t.Fatal("expected error for HTTP 401, got nil")
	}
}

func TestTranscribe_ShortBuffer_SkipsBackend(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		_, _ = w.Write([]byte(responseJSON))
	}))
	t.Cleanup(srv.Close)

	p, err := deepgram.New("secret", deepgram.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := p.Transcribe(context.Background(), speech(16000, 40), 16000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "" || called {
		t.Errorf("short buffer must skip the backend: text=%q called=%v", text, called)
	}
}

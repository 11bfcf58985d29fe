package daemon

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
)

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, body)
	})
}

func TestServerRoutes(t *testing.T) {
	s := NewServer(Options{
		WhatsApp: okHandler("wa"),
		SMS:      okHandler("sms"),
		Metrics:  okHandler("metrics"),
		Status:   func() map[string]any { return map[string]any{"adapters": 3} },
	}, zerolog.Nop())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"whatsapp ingress", http.MethodPost, WhatsAppPath, http.StatusAccepted, "wa"},
		{"sms ingress", http.MethodPost, SMSPath, http.StatusAccepted, "sms"},
		{"metrics", http.MethodGet, "/metrics", http.StatusAccepted, "metrics"},
		{"ingress rejects GET", http.MethodGet, WhatsAppPath, http.StatusMethodNotAllowed, ""},
		{"unknown path", http.MethodGet, "/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, strings.NewReader("{}"))
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantBody != "" {
				b, _ := io.ReadAll(resp.Body)
				if string(b) != tt.wantBody {
					t.Errorf("body = %q, want %q", b, tt.wantBody)
				}
			}
		})
	}
}

func TestServerHealth(t *testing.T) {
	s := NewServer(Options{
		Status: func() map[string]any { return map[string]any{"adapters": 3} },
	}, zerolog.Nop())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["adapters"] != float64(3) {
		t.Errorf("adapters field = %v", body["adapters"])
	}
}

func TestServerUnmountedRoutes(t *testing.T) {
	s := NewServer(Options{}, zerolog.Nop())
	for _, path := range []string{"/metrics", WhatsAppPath, SMSPath} {
		method := http.MethodPost
		if path == "/metrics" {
			method = http.MethodGet
		}
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", method, path, rec.Code)
		}
	}
}

func TestServerRecoversPanics(t *testing.T) {
	s := NewServer(Options{
		SMS: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }),
	}, zerolog.Nop())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, SMSPath, nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestServerStartShutdown(t *testing.T) {
	s := NewServer(Options{Listen: "127.0.0.1:0"}, zerolog.Nop())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case <-s.Ready():
	case err := <-errCh:
		t.Fatalf("Start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Start returned %v after shutdown", err)
	}
}

func TestServerShutdownBeforeStart(t *testing.T) {
	s := NewServer(Options{}, zerolog.Nop())
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown = %v", err)
	}
}

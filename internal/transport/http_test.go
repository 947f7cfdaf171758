package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/swarmguard/flowctl/internal/model"
)

func TestExecuteDecodesJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success"})
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	exec := New(nil)
	outcome, err := exec.Execute(context.Background(), &model.RequestDescriptor{
		Host: host, Port: port, Protocol: "http", Method: model.MethodGet, Path: "/",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.OK || outcome.StatusCode != 200 {
		t.Fatalf("expected ok 200, got %+v", outcome)
	}
	data := outcome.Data.(map[string]any)
	if data["status"] != "success" {
		t.Fatalf("expected decoded body, got %v", data)
	}
}

func TestExecuteMarksServerErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	exec := New(nil)
	outcome, _ := exec.Execute(context.Background(), &model.RequestDescriptor{
		Host: host, Port: port, Protocol: "http", Method: model.MethodGet, Path: "/",
	})
	if outcome.OK {
		t.Fatalf("expected failure outcome for 500")
	}
	if !outcome.Retryable {
		t.Fatalf("expected 500 to be retryable")
	}
}

func TestExecuteMarksClientErrorNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	exec := New(nil)
	outcome, _ := exec.Execute(context.Background(), &model.RequestDescriptor{
		Host: host, Port: port, Protocol: "http", Method: model.MethodGet, Path: "/",
	})
	if outcome.Retryable {
		t.Fatalf("expected 404 to be non-retryable")
	}
}

func TestResolveTemplateSubstitutesPriorResults(t *testing.T) {
	prior := map[string]any{
		"stepA": map[string]any{"id": "abc123"},
	}
	got := ResolveTemplate("/users/{{stepA.id}}/profile", prior)
	if got != "/users/abc123/profile" {
		t.Fatalf("unexpected resolved template: %s", got)
	}
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("bad url %s: %v", rawURL, err)
	}
	host, portStr, err := net.SplitHostPort(parsed.Host)
	if err != nil {
		t.Fatalf("bad host:port %s: %v", parsed.Host, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("bad port %s: %v", portStr, err)
	}
	return host, port
}

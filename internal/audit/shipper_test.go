package audit_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dbquery/dbquery/internal/audit"
	"github.com/dbquery/dbquery/internal/config"
)

func sampleEvent(id string) *audit.QueryEvent {
	return &audit.QueryEvent{
		ID:         id,
		Query:      "SELECT 1",
		UserID:     "user-1",
		UserName:   "admin",
		ExecutedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Outcome:    audit.OutcomeOK,
		RowCount:   1,
		DurationMS: 3,
	}
}

// ---------------------------------------------------------------------------
// MultiShipper
// ---------------------------------------------------------------------------

func TestNewMultiShipper_Empty(t *testing.T) {
	ms, err := audit.NewMultiShipper(nil)
	if err != nil {
		t.Fatalf("NewMultiShipper(nil) error: %v", err)
	}
	if ms.Len() != 0 {
		t.Errorf("Len() = %d, want 0", ms.Len())
	}
	if err := ms.Ship(context.Background(), sampleEvent("e-1")); err != nil {
		t.Errorf("Ship() on empty multi-shipper = %v, want nil", err)
	}
	if err := ms.Close(); err != nil {
		t.Errorf("Close() on empty multi-shipper = %v, want nil", err)
	}
}

func TestNewMultiShipper_DisabledConfigSkipped(t *testing.T) {
	ms, err := audit.NewMultiShipper([]config.AuditShipperConfig{
		{Enabled: false, Type: "webhook", Webhook: &config.AuditWebhookConfig{URL: "http://example.com"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ms.Len() != 0 {
		t.Errorf("Len() = %d, want 0", ms.Len())
	}
}

func TestNewMultiShipper_InvalidConfigs(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.AuditShipperConfig
	}{
		{"unknown type", config.AuditShipperConfig{Enabled: true, Type: "syslog"}},
		{"webhook nil config", config.AuditShipperConfig{Enabled: true, Type: "webhook"}},
		{"webhook empty url", config.AuditShipperConfig{Enabled: true, Type: "webhook", Webhook: &config.AuditWebhookConfig{}}},
		{"file nil config", config.AuditShipperConfig{Enabled: true, Type: "file"}},
		{"file bad path", config.AuditShipperConfig{Enabled: true, Type: "file", File: &config.AuditFileConfig{Path: "/nonexistent-dir/x/audit.log"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := audit.NewMultiShipper([]config.AuditShipperConfig{tt.cfg}); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestMultiShipper_ContinuesAfterShipperError(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	var delivered int32
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&delivered, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	ms, err := audit.NewMultiShipper([]config.AuditShipperConfig{
		{Enabled: true, Type: "webhook", Webhook: &config.AuditWebhookConfig{URL: failing.URL, TimeoutSecs: 1}},
		{Enabled: true, Type: "webhook", Webhook: &config.AuditWebhookConfig{URL: ok.URL, TimeoutSecs: 1}},
	})
	if err != nil {
		t.Fatalf("NewMultiShipper error: %v", err)
	}
	defer ms.Close()

	if err := ms.Ship(context.Background(), sampleEvent("e-1")); err == nil {
		t.Error("Ship() = nil, want error from the failing shipper")
	}
	if got := atomic.LoadInt32(&delivered); got != 1 {
		t.Errorf("second shipper received %d calls, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// WebhookShipper
// ---------------------------------------------------------------------------

func TestWebhookShipper_DirectPost(t *testing.T) {
	var (
		mu       sync.Mutex
		got      audit.QueryEvent
		gotToken string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotToken = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&config.AuditWebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer siem-token"},
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper error: %v", err)
	}
	defer ws.Close()

	if err := ws.Ship(context.Background(), sampleEvent("e-42")); err != nil {
		t.Fatalf("Ship() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.ID != "e-42" || got.Query != "SELECT 1" {
		t.Errorf("received %+v", got)
	}
	if gotToken != "Bearer siem-token" {
		t.Errorf("Authorization = %q, want configured header", gotToken)
	}
}

func TestWebhookShipper_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&config.AuditWebhookConfig{URL: srv.URL})
	defer ws.Close()

	err := ws.Ship(context.Background(), sampleEvent("e-1"))
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("Ship() error = %v, want status 502", err)
	}
}

func TestWebhookShipper_BatchFlushedOnClose(t *testing.T) {
	var (
		mu      sync.Mutex
		batches [][]audit.QueryEvent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []audit.QueryEvent
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode batch: %v", err)
		}
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&config.AuditWebhookConfig{
		URL:           srv.URL,
		BatchSize:     10,
		FlushInterval: 3600,
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper error: %v", err)
	}

	for _, id := range []string{"e-1", "e-2", "e-3"} {
		if err := ws.Ship(context.Background(), sampleEvent(id)); err != nil {
			t.Fatalf("Ship(%s) error: %v", id, err)
		}
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	if total != 3 {
		t.Errorf("delivered %d events across %d batches, want 3", total, len(batches))
	}
}

func TestWebhookShipper_BatchFlushedWhenFull(t *testing.T) {
	posted := make(chan int, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []audit.QueryEvent
		_ = json.NewDecoder(r.Body).Decode(&batch)
		posted <- len(batch)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&config.AuditWebhookConfig{URL: srv.URL, BatchSize: 2, FlushInterval: 3600})
	defer ws.Close()

	_ = ws.Ship(context.Background(), sampleEvent("e-1"))
	_ = ws.Ship(context.Background(), sampleEvent("e-2"))

	select {
	case n := <-posted:
		if n != 2 {
			t.Errorf("batch size = %d, want 2", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("batch was not flushed when full")
	}
}

func TestWebhookShipper_CloseIdempotent(t *testing.T) {
	ws, _ := audit.NewWebhookShipper(&config.AuditWebhookConfig{URL: "http://127.0.0.1:1", BatchSize: 5})
	if err := ws.Close(); err != nil {
		t.Errorf("first Close() = %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

// ---------------------------------------------------------------------------
// FileShipper
// ---------------------------------------------------------------------------

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestFileShipper_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.log")
	fs, err := audit.NewFileShipper(&config.AuditFileConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileShipper error: %v", err)
	}

	for _, id := range []string{"e-1", "e-2"} {
		if err := fs.Ship(context.Background(), sampleEvent(id)); err != nil {
			t.Fatalf("Ship(%s) error: %v", id, err)
		}
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var ev audit.QueryEvent
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if ev.ID != "e-2" || ev.Outcome != audit.OutcomeOK {
		t.Errorf("event = %+v", ev)
	}
}

func TestFileShipper_RotatesWhenFull(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queries.log")

	// Pre-fill past the 1 MB limit so the next write rotates.
	if err := os.WriteFile(path, make([]byte, 1024*1024+1), 0600); err != nil {
		t.Fatalf("prefill: %v", err)
	}

	fs, err := audit.NewFileShipper(&config.AuditFileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileShipper error: %v", err)
	}
	if err := fs.Ship(context.Background(), sampleEvent("after-rotate")); err != nil {
		t.Fatalf("Ship() error: %v", err)
	}
	_ = fs.Close()

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected backup %s.1: %v", path, err)
	}
	lines := readLines(t, path)
	if len(lines) != 1 || !strings.Contains(lines[0], "after-rotate") {
		t.Errorf("live file lines = %v, want only the new event", lines)
	}
}

package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"winrate-watch/internal/normalize"
)

func noopLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestSnapshotFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, "deal_id,region,outcome,amount\nD1,APAC,Won,100\nD2,EMEA,Lost,200\n")
	}))
	defer srv.Close()

	s := NewSnapshot(SnapshotOptions{URL: srv.URL, Token: "secret", Timeout: time.Second}, noopLogger())
	rows, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0][normalize.ColID] != "D1" || rows[1][normalize.ColAmount] != "200" {
		t.Fatalf("column aliases not applied: %v", rows)
	}
}

func TestSnapshotFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "token expired"})
	}))
	defer srv.Close()

	s := NewSnapshot(SnapshotOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := s.Load(context.Background())
	if err == nil {
		t.Fatal("HTTP 401 should fail")
	}
	if err.Error() != "snapshot export error (401): token expired" {
		t.Fatalf("unexpected error %q", err)
	}
}

func TestSnapshotFetchEmptyExport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "deal_id,region,outcome\n")
	}))
	defer srv.Close()

	s := NewSnapshot(SnapshotOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, err := s.Load(context.Background()); err != normalize.ErrEmptySnapshot {
		t.Fatalf("expected ErrEmptySnapshot, got %v", err)
	}
}

func TestIsRemote(t *testing.T) {
	if !IsRemote("https://crm.example.com/export.csv") {
		t.Fatal("https location should be remote")
	}
	if IsRemote("data/deals.csv") {
		t.Fatal("file path should not be remote")
	}
}

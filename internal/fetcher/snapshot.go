package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"winrate-watch/internal/normalize"
)

// maxSnapshotBytes caps a downloaded export.
const maxSnapshotBytes = 256 << 20

// SnapshotOptions parameterise the CRM export fetcher.
type SnapshotOptions struct {
	URL       string
	Token     string
	Timeout   time.Duration
	UserAgent string
}

// Snapshot downloads a CSV deal export over HTTP.
type Snapshot struct {
	opts   SnapshotOptions
	logger zerolog.Logger
	client *http.Client
}

// NewSnapshot constructs a snapshot fetcher.
func NewSnapshot(opts SnapshotOptions, logger zerolog.Logger) *Snapshot {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Snapshot{
		opts:   opts,
		logger: logger.With().Str("component", "snapshot_fetcher").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// IsRemote reports whether location should be fetched over HTTP.
func IsRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// Load implements normalize.Source.
func (s *Snapshot) Load(ctx context.Context) ([]normalize.RawRow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/csv")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "winratewatch/1.0")
	}
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	start := time.Now()
	rows, err := normalize.ReadCSV(ctx, io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Int("rows", len(rows)).Dur("elapsed", time.Since(start)).Msg("snapshot downloaded")
	return rows, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("snapshot export error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("snapshot export error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("snapshot export error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("snapshot export error (%d)", status)
}

var _ normalize.Source = (*Snapshot)(nil)

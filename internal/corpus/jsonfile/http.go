package jsonfile

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"ahnung/pkg/records"
)

// URLSource streams documents from an HTTP(S) endpoint. Every Each issues a
// new GET, so the source is restartable like the file source.
type URLSource struct {
	URL    string
	Client *http.Client
	Log    *zap.Logger
}

// NewURL returns a URLSource with a 60s client. insecure skips certificate
// verification for internal endpoints with self-signed certificates.
func NewURL(log *zap.Logger, url string, insecure bool) *URLSource {
	if log == nil {
		log = zap.NewNop()
	}
	client := &http.Client{Timeout: 60 * time.Second}
	if insecure {
		client.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in
		}
	}
	return &URLSource{URL: url, Client: client, Log: log}
}

func (s *URLSource) Each(ctx context.Context, fn func(records.Record) error) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return fmt.Errorf("jsonfile: %s: %w", s.URL, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("jsonfile: get %s: %w", s.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("jsonfile: get %s: status %d: %s", s.URL, resp.StatusCode, snippet)
	}

	n := 0
	err = Stream(ctx, resp.Body, func(r records.Record) error {
		n++
		return fn(r)
	})
	if err != nil {
		return fmt.Errorf("jsonfile: %s: %w", s.URL, err)
	}
	if s.Log != nil {
		s.Log.Debug("corpus url read", zap.String("url", s.URL), zap.Int("documents", n))
	}
	return nil
}

package checks

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"maremma/internal/status"
)

const maxRedirects = 5

// HttpExecutor fetches a URL and classifies the response status code.
type HttpExecutor struct{}

func (e *HttpExecutor) Execute(ctx context.Context, target Target, cfg MergedConfig) (status.CheckResult, error) {
	url := cfg.String("url", "")
	if url == "" {
		hostname := target.Address()
		if hostname == "" {
			return status.CheckResult{}, fmt.Errorf("http check: no url or hostname for %s", target.HostName)
		}
		url = "https://" + hostname
		if port := cfg.Int("port", 0); port != 0 {
			url = fmt.Sprintf("https://%s:%d", hostname, port)
		}
		url += cfg.String("http_uri", "")
	}

	transport := &http.Transport{}
	if !cfg.Bool("validate_tls", true) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	method := cfg.String("http_method", http.MethodGet)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return status.CheckResult{}, fmt.Errorf("http check: building request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", "maremma/1.0")

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return status.NewResult(status.Critical, elapsed,
			fmt.Sprintf("request to %s failed: %s", url, err)), nil
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	expected := cfg.IntSlice("expected_statuses", nil)
	if len(expected) == 0 {
		expected = []int{cfg.Int("http_status", http.StatusOK)}
	}
	for _, code := range expected {
		if resp.StatusCode == code {
			return status.NewResult(status.Ok, elapsed,
				fmt.Sprintf("%s returned %s", url, resp.Status)), nil
		}
	}

	text := fmt.Sprintf("%s returned %s, expected %v", url, resp.Status, expected)
	if resp.StatusCode >= 500 {
		return status.NewResult(status.Critical, elapsed, text), nil
	}
	return status.NewResult(status.Warning, elapsed, text), nil
}

package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/integration_builder/internal/metrics"
	"github.com/austindbirch/integration_builder/internal/tracing"
)

const (
	ReportPath  = "/api/integration-builder/report"
	TokenHeader = "x-cp-ingest-token"
)

type Summarizer interface {
	Summary(ctx context.Context, tenantID string) (Summary, error)
}

// Reporter pushes tenant summaries to the control plane. It is a no-op
// unless both the base URL and the ingest token are set.
type Reporter struct {
	summaries Summarizer
	url       string
	token     string
	client    *http.Client
}

func NewReporter(summaries Summarizer, baseURL, token string, timeout time.Duration) *Reporter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reporter{
		summaries: summaries,
		url:       strings.TrimRight(baseURL, "/"),
		token:     token,
		client:    &http.Client{Timeout: timeout},
	}
}

func (r *Reporter) Enabled() bool {
	return r.url != "" && r.token != ""
}

func (r *Reporter) Report(ctx context.Context, tenantID string) error {
	if !r.Enabled() {
		return nil
	}
	err := r.push(ctx, tenantID)
	if err != nil {
		metrics.RecordReport("error")
		return err
	}
	metrics.RecordReport("ok")
	return nil
}

func (r *Reporter) push(ctx context.Context, tenantID string) error {
	sum, err := r.summaries.Summary(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("build summary: %w", err)
	}
	body, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+ReportPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, r.token)
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post report: control plane returned %d", resp.StatusCode)
	}
	return nil
}

package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/letterpressd/letterpress/internal/domain"
)

// HTTPGenerator calls the newsletter generation service over HTTP.
// Requests are HMAC-signed so the service can reject forgeries.
type HTTPGenerator struct {
	client  *http.Client
	url     string
	secret  string
	timeout time.Duration
}

var _ Generator = (*HTTPGenerator)(nil)

func NewHTTPGenerator(url, secret string, timeout time.Duration) *HTTPGenerator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPGenerator{
		client:  &http.Client{},
		url:     url,
		secret:  secret,
		timeout: timeout,
	}
}

type generateRequest struct {
	JobID     string          `json:"job_id"`
	Attempt   int             `json:"attempt"`
	Payload   json.RawMessage `json:"payload"`
	Recipient string          `json:"recipient,omitempty"`
}

type generateResponse struct {
	ResultRef string `json:"result_ref"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Generate posts the job payload to the generation service.
// Headers: X-Letterpress-Job-ID, X-Letterpress-Signature (hex HMAC-SHA256).
func (g *HTTPGenerator) Generate(ctx context.Context, job domain.Job) (Issue, error) {
	body, err := json.Marshal(generateRequest{
		JobID:     job.ID.String(),
		Attempt:   job.Attempt,
		Payload:   job.Request.Payload,
		Recipient: job.Request.Recipient,
	})
	if err != nil {
		return Issue{}, &TerminalError{Err: fmt.Errorf("marshal: %w", err)}
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return Issue{}, &TerminalError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Letterpress-Job-ID", job.ID.String())
	req.Header.Set("X-Letterpress-Signature", ComputeSignature(g.secret, body))

	resp, err := g.client.Do(req)
	if err != nil {
		return Issue{}, &RetryableError{Err: fmt.Errorf("generator: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Issue{}, &RetryableError{Err: fmt.Errorf("generator: status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Issue{}, &TerminalError{Err: fmt.Errorf("generator: status %d", resp.StatusCode)}
	}

	var out generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&out); err != nil {
		return Issue{}, &TerminalError{Err: fmt.Errorf("generator: decode: %w", err)}
	}
	return Issue{ResultRef: out.ResultRef, Subject: out.Subject, Body: out.Body}, nil
}

// ComputeSignature returns the hex HMAC-SHA256 of body under secret.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for generation services to verify incoming requests.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := ComputeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

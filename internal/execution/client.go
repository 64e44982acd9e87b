// Package execution relays run requests to the code execution backend.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/telemetry"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultExecTimeout = 10 * time.Second
)

type Config struct {
	URL string

	// Timeout bounds the whole HTTP exchange, including the run itself.
	Timeout time.Duration

	HTTPClient *http.Client
}

type Client struct {
	url  string
	http *http.Client
}

func NewClient(c Config) *Client {
	hc := c.HTTPClient
	if hc == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		url:  strings.TrimSuffix(c.URL, "/"),
		http: hc,
	}
}

type executeRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin"`
	Timeout  int    `json:"timeout"`
}

type executeResponse struct {
	Status        string          `json:"status"`
	Stdout        string          `json:"stdout"`
	Stderr        string          `json:"stderr"`
	ExitCode      *int            `json:"exit_code"`
	ExecutionTime decimal.Decimal `json:"execution_time"`
}

// Execute runs the request and always returns a result. Backend failures come back as failed
// results with exit code -1 and the reason in Stderr.
func (c *Client) Execute(ctx context.Context, req domain.ExecutionRequest) domain.ExecutionResult {
	res, err := c.execute(ctx, req)
	if err != nil {
		slog.ErrorContext(ctx, "execution: run failed", "language", req.Language, "error", err)
		res = failed(err, req)
	}

	telemetry.Executions.WithLabelValues(string(res.Status)).Inc()
	return res
}

func (c *Client) execute(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	body, err := json.Marshal(executeRequest{
		Language: req.Language,
		Code:     req.Code,
		Stdin:    req.Stdin,
		Timeout:  int(timeout / time.Second),
	})
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("marshal request: %w", err)
	}

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/execute", bytes.NewReader(body))
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("new request: %w", err)
	}
	hr.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(hr)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return domain.ExecutionResult{}, &statusError{code: resp.StatusCode, body: string(b)}
	}

	var er executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("decode response: %w", err)
	}

	slog.InfoContext(ctx, "execution: run completed", "language", req.Language, "status", er.Status)

	res := domain.ExecutionResult{
		Status:        domain.ExecutionStatus(er.Status),
		Stdout:        er.Stdout,
		Stderr:        er.Stderr,
		ExecutionTime: er.ExecutionTime.InexactFloat64(),
		DurationMs:    toMillis(er.ExecutionTime),
	}
	if res.Status != domain.ExecutionSuccess {
		res.Status = domain.ExecutionFailed
	}
	if er.ExitCode != nil {
		res.ExitCode = *er.ExitCode
	} else if res.Status == domain.ExecutionFailed {
		res.ExitCode = 1
	}

	return res, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func failed(err error, req domain.ExecutionRequest) domain.ExecutionResult {
	res := domain.ExecutionResult{
		Status:   domain.ExecutionFailed,
		ExitCode: -1,
	}

	var (
		se *statusError
		ne interface{ Timeout() bool }
	)
	switch {
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.As(err, &ne) && ne.Timeout():
		res.Stderr = "Code execution service timeout"
		res.ExecutionTime = req.Timeout.Seconds()
		res.DurationMs = req.Timeout.Milliseconds()
	case stderrors.As(err, &se):
		res.Stderr = "Code execution service error: " + se.body
	default:
		res.Stderr = "Internal error: " + err.Error()
	}

	return res
}

func toMillis(seconds decimal.Decimal) int64 {
	return seconds.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
}

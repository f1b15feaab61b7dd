package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/deeptree/echo-kernel/internal/api"

// Request failure stages.
const (
	OpEncode  = "encode"
	OpNetwork = "network"
	OpStatus  = "status"
	OpDecode  = "decode"
)

var (
	// ErrUnexpectedStatus is wrapped by status failures.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrInvalidJSON is wrapped when the response body is not JSON.
	ErrInvalidJSON = errors.New("response is not valid JSON")
)

// RequestError reports a failed outbound call.
type RequestError struct {
	Op         string // encode, network, status or decode
	Path       string
	StatusCode int    // Zero unless a response was received
	Body       []byte // Response body for status and decode failures
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("echo api %s %s (status %d): %v", e.Op, e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("echo api %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Invoke POSTs payload as JSON to baseURL+path and returns the decoded JSON
// response body. Non-2xx responses fail with Op "status".
func (c *Client) Invoke(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "echo.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", http.MethodPost),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	start := time.Now()
	body, err := c.invoke(ctx, span, path, payload)
	c.observe(start, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("echo api call failed", "path", path, "error", err)
		return nil, err
	}
	return body, nil
}

// InvokeInto calls Invoke and decodes the response into T.
func InvokeInto[T any](ctx context.Context, c *Client, path string, payload any) (T, error) {
	var out T

	body, err := c.Invoke(ctx, path, payload)
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(body, &out); err != nil {
		return out, &RequestError{Op: OpDecode, Path: path, Body: body, Err: err}
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, span trace.Span, path string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &RequestError{Op: OpEncode, Path: path, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, &RequestError{Op: OpNetwork, Path: path, Err: fmt.Errorf("create request: %w", err)}
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(KernelHeader, KernelVersion)
	req.Header.Set("X-Request-ID", requestID)
	span.SetAttributes(attribute.String("request.id", requestID))

	c.logger.Debug("invoking echo api", "path", path, "request_id", requestID, "bytes", len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Op: OpNetwork, Path: path, Err: err}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{
			Op:         OpNetwork,
			Path:       path,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("read response: %w", err),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{
			Op:         OpStatus,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       body,
			Err:        fmt.Errorf("%w: %s", ErrUnexpectedStatus, http.StatusText(resp.StatusCode)),
		}
	}

	if !json.Valid(body) {
		return nil, &RequestError{
			Op:         OpDecode,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       body,
			Err:        ErrInvalidJSON,
		}
	}

	return json.RawMessage(body), nil
}

// observe records one call. Paths arrive from relay callers, so series are
// keyed by outcome only.
func (c *Client) observe(start time.Time, err error) {
	if c.metrics == nil {
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		var re *RequestError
		if errors.As(err, &re) {
			outcome = re.Op
		}
	}

	c.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	c.metrics.RequestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

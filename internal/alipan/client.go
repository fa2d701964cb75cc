package alipan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/breadfs/breadfs/internal/metrics"
	"github.com/breadfs/breadfs/internal/ratelimit"
)

const userAgent = "breadfs/0.1"

// Endpoints.
const (
	endpointDriveInfo   = "/adrive/v1.0/user/getDriveInfo"
	endpointList        = "/adrive/v1.0/openFile/list"
	endpointDownloadURL = "/adrive/v1.0/openFile/getDownloadUrl"
	endpointCreate      = "/adrive/v1.0/openFile/create"
	endpointComplete    = "/adrive/v1.0/openFile/complete"
	endpointCopy        = "/adrive/v1.0/openFile/copy"
	endpointMove        = "/adrive/v1.0/openFile/move"
	endpointUpdate      = "/adrive/v1.0/openFile/update"
	endpointDelete      = "/adrive/v1.0/openFile/delete"
	endpointTrash       = "/adrive/v1.0/openFile/recyclebin/trash"
)

// Recorder receives request and transfer metrics. *metrics.Collectors
// satisfies it.
type Recorder interface {
	ObserveRequest(endpoint, outcome string)
	AddTransferBytes(direction string, n int64)
}

// call POSTs body as JSON to endpoint and decodes the response into out
// (which may be nil). A rejected access token triggers exactly one refresh
// and retry.
func (p *Provider) call(ctx context.Context, class ratelimit.Class, endpoint string, body, out any) error {
	tok, err := p.tokens.accessToken(ctx)
	if err != nil {
		return err
	}

	err = p.callOnce(ctx, class, endpoint, tok, body, out)
	if err == nil || !isTokenError(err) {
		return err
	}

	p.logger.Info("alipan: access token rejected, refreshing",
		slog.String("endpoint", endpoint),
		slog.String("error", err.Error()),
	)
	p.observeRequest(endpoint, metrics.OutcomeRetried)

	tok, err = p.tokens.refresh(ctx, tok)
	if err != nil {
		return err
	}

	return p.callOnce(ctx, class, endpoint, tok, body, out)
}

// callOnce performs one rate-limited, authenticated request (no retry).
func (p *Provider) callOnce(
	ctx context.Context, class ratelimit.Class, endpoint, token string, body, out any,
) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("alipan: encoding %s request: %w", endpoint, err)
	}

	if err := p.currentLimiter().Wait(ctx, class); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.APIURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("alipan: creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.observeRequest(endpoint, metrics.OutcomeError)

		if ctx.Err() != nil {
			return fmt.Errorf("alipan: request canceled: %w", ctx.Err())
		}

		return fmt.Errorf("alipan: POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		p.observeRequest(endpoint, metrics.OutcomeError)

		return fmt.Errorf("alipan: reading %s response: %w", endpoint, err)
	}

	if apiErr := parseError(endpoint, resp.StatusCode, data); apiErr != nil {
		p.observeRequest(endpoint, metrics.OutcomeError)
		p.logger.Debug("alipan: request failed",
			slog.String("endpoint", endpoint),
			slog.Int("status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)

		return apiErr
	}

	p.observeRequest(endpoint, metrics.OutcomeOK)
	p.logger.Debug("alipan: request succeeded",
		slog.String("endpoint", endpoint),
		slog.Int("status", resp.StatusCode),
	)

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("alipan: decoding %s response: %w", endpoint, err)
	}

	return nil
}

// parseError inspects the {code, message} envelope. The API sometimes reports
// failures with a 2xx status, so the envelope is checked regardless of
// status. A non-2xx response without an envelope is still an error.
func parseError(endpoint string, status int, data []byte) *APIError {
	var env errorEnvelope
	if json.Unmarshal(data, &env) == nil && env.Code != "" {
		return &APIError{
			StatusCode: status,
			Endpoint:   endpoint,
			Code:       env.Code,
			Message:    env.Message,
			Err:        classifyStatus(status),
		}
	}

	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		return nil
	}

	return &APIError{
		StatusCode: status,
		Endpoint:   endpoint,
		Message:    string(bytes.TrimSpace(data)),
		Err:        classifyStatus(status),
	}
}

// fetch issues an unauthenticated request to a pre-signed URL.
func (p *Provider) fetch(ctx context.Context, method, rawURL string, body io.Reader, size int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("alipan: creating request: %w", err)
	}

	if body != nil {
		req.ContentLength = size
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("alipan: request canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("alipan: %s transfer: %w", method, err)
	}

	return resp, nil
}

func (p *Provider) observeRequest(endpoint, outcome string) {
	if p.recorder != nil {
		p.recorder.ObserveRequest(endpoint, outcome)
	}
}

func (p *Provider) addTransferBytes(direction string, n int64) {
	if p.recorder != nil && n > 0 {
		p.recorder.AddTransferBytes(direction, n)
	}
}

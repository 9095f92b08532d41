package appclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/g960059/boardmon/internal/api"
	"github.com/g960059/boardmon/internal/model"
)

type Client struct {
	baseURL      string
	client       *http.Client
	dial         func(ctx context.Context) (net.Conn, error)
	unaryTimeout time.Duration
}

const (
	watchScannerInitialBuffer = 64 * 1024
	watchScannerMaxBuffer     = 10 * 1024 * 1024
	defaultUnaryTimeout       = 10 * time.Second
)

var (
	ErrWatchPayloadInvalid = errors.New("watch payload invalid")
	ErrStreamUnsupported   = errors.New("monitor streams need a unix socket client")
)

func New(socketPath string) *Client {
	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dial(ctx)
		},
	}
	c := NewWithClient("http://unix", &http.Client{Transport: transport})
	c.dial = dial
	return c
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type WatchLoopOptions struct {
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	Once            bool
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	return resp, c.getJSON(ctx, "/v1/health", nil, &resp)
}

func (c *Client) Ports(ctx context.Context) (api.PortsEnvelope, error) {
	var resp api.PortsEnvelope
	return resp, c.getJSON(ctx, "/v1/ports", nil, &resp)
}

func (c *Client) Boards(ctx context.Context) (api.BoardsEnvelope, error) {
	var resp api.BoardsEnvelope
	return resp, c.getJSON(ctx, "/v1/boards", nil, &resp)
}

func (c *Client) BoardsConfig(ctx context.Context) (api.BoardsConfigEnvelope, error) {
	var resp api.BoardsConfigEnvelope
	return resp, c.getJSON(ctx, "/v1/boards/config", nil, &resp)
}

func (c *Client) SetBoardsConfig(ctx context.Context, cfg model.BoardsConfig) (api.BoardsConfigEnvelope, error) {
	var resp api.BoardsConfigEnvelope
	return resp, c.sendJSON(ctx, http.MethodPut, "/v1/boards/config", cfg, &resp)
}

// WatchBoards reads the board watch stream until it ends, calling onLine for
// every line.
func (c *Client) WatchBoards(ctx context.Context, onLine func(api.WatchLine) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/boards/watch", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		return decodeRequestError(resp.StatusCode, payload)
	}
	return decodeWatchLines(resp.Body, onLine)
}

// WatchLoop keeps a board watch open, reconnecting with backoff when the
// stream drops for a retryable reason.
func (c *Client) WatchLoop(ctx context.Context, opts WatchLoopOptions, onLine func(api.WatchLine) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		received := false
		err := c.WatchBoards(ctx, func(line api.WatchLine) error {
			received = true
			if onLine == nil {
				return nil
			}
			return onLine(line)
		})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if opts.Once {
			return err
		}
		if err != nil {
			if errors.Is(err, ErrWatchPayloadInvalid) {
				return err
			}
			var reqErr *RequestError
			if errors.As(err, &reqErr) && !reqErr.Retryable() {
				return err
			}
			var lineErr *callbackError
			if errors.As(err, &lineErr) {
				return lineErr.err
			}
		}
		if received {
			backoff = minBackoff
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) Monitors(ctx context.Context) (api.MonitorsEnvelope, error) {
	var resp api.MonitorsEnvelope
	return resp, c.getJSON(ctx, "/v1/monitors", nil, &resp)
}

func (c *Client) StartMonitor(ctx context.Context, req api.MonitorRequest) (api.MonitorActionResponse, error) {
	var resp api.MonitorActionResponse
	// starting may retry for the daemon's whole start timeout
	return resp, c.postLongJSON(ctx, "/v1/monitors/start", req, &resp)
}

func (c *Client) StopMonitor(ctx context.Context, req api.MonitorRequest) (api.MonitorActionResponse, error) {
	var resp api.MonitorActionResponse
	return resp, c.sendJSON(ctx, http.MethodPost, "/v1/monitors/stop", req, &resp)
}

func (c *Client) SendMonitor(ctx context.Context, req api.MonitorSendRequest) (api.MonitorActionResponse, error) {
	var resp api.MonitorActionResponse
	return resp, c.sendJSON(ctx, http.MethodPost, "/v1/monitors/send", req, &resp)
}

func (c *Client) MonitorSettings(ctx context.Context, req api.MonitorRequest) (api.MonitorSettingsEnvelope, error) {
	query := url.Values{}
	query.Set("fqbn", req.FQBN)
	query.Set("address", req.Port.Address)
	query.Set("protocol", req.Port.Protocol)
	var resp api.MonitorSettingsEnvelope
	return resp, c.getJSON(ctx, "/v1/monitors/settings", query, &resp)
}

func (c *Client) ChangeMonitorSettings(ctx context.Context, req api.MonitorSettingsRequest) (api.MonitorSettingsEnvelope, error) {
	var resp api.MonitorSettingsEnvelope
	return resp, c.sendJSON(ctx, http.MethodPut, "/v1/monitors/settings", req, &resp)
}

func (c *Client) UploadStarted(ctx context.Context, req api.UploadRequest) (api.UploadResponse, error) {
	var resp api.UploadResponse
	return resp, c.sendJSON(ctx, http.MethodPost, "/v1/uploads/start", req, &resp)
}

func (c *Client) UploadFinished(ctx context.Context, req api.UploadRequest) (api.UploadResponse, error) {
	var resp api.UploadResponse
	return resp, c.postLongJSON(ctx, "/v1/uploads/finish", req, &resp)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.request(ctx, http.MethodGet, path, query, nil, false)
	if err != nil {
		return err
	}
	return decodeInto(path, body, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, req, out any) error {
	body, err := c.request(ctx, method, path, nil, req, false)
	if err != nil {
		return err
	}
	return decodeInto(path, body, out)
}

func (c *Client) postLongJSON(ctx context.Context, path string, req, out any) error {
	body, err := c.request(ctx, http.MethodPost, path, nil, req, true)
	if err != nil {
		return err
	}
	return decodeInto(path, body, out)
}

func decodeInto(path string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, decodeRequestError(resp.StatusCode, payload)
	}
	return payload, nil
}

func decodeRequestError(status int, payload []byte) error {
	var er api.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
		return &RequestError{
			StatusCode: status,
			Code:       er.Error.Code,
			Message:    er.Error.Message,
		}
	}
	return &RequestError{
		StatusCode: status,
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    strings.TrimSpace(string(payload)),
	}
}

// callbackError marks an error returned by the caller's line handler.
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

func decodeWatchLines(r io.Reader, onLine func(api.WatchLine) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, watchScannerInitialBuffer), watchScannerMaxBuffer)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line api.WatchLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return fmt.Errorf("%w: decode watch line: %v", ErrWatchPayloadInvalid, err)
		}
		if onLine != nil {
			if err := onLine(line); err != nil {
				return &callbackError{err: err}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan watch lines: %w", err)
	}
	return nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

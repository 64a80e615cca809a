package admin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/rpc/v2/json2"
)

const (
	maxRetries    = 3
	retryBaseWait = 200 * time.Millisecond
)

// Client calls Admin.* on a running peerd.
type Client struct {
	URL   string // base URL, Path is appended
	Token string // bearer token, optional
	HTTP  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		URL:   strings.TrimSuffix(baseURL, "/"),
		Token: token,
		HTTP:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Call issues one JSON-RPC request, retrying refused or reset connections.
// Server-side errors come back as *json2.Error.
func (c *Client) Call(ctx context.Context, method string, args, reply any) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBaseWait << (attempt - 1)):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+Path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = err
			if retryable(err) {
				continue
			}
			return err
		}
		err = decode(resp, reply)
		closeBody(resp.Body)
		return err
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", method, maxRetries, lastErr)
}

func decode(resp *http.Response, reply any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json2.DecodeClientResponse(resp.Body, reply)
}

func retryable(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.EOF)
}

// closeBody drains before closing so the connection can be reused.
func closeBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

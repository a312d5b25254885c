package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lsmrepl/pkg/archive"
	"lsmrepl/pkg/replication"
	"lsmrepl/pkg/types"
)

const defaultRequestTimeout = 5 * time.Second

var (
	// ErrRegistrationRejected is returned when the primary cannot stream
	// from the requested start point. It also matches
	// replication.ErrStartUnavailable.
	ErrRegistrationRejected = errors.New("session registration rejected")

	ErrForbidden = errors.New("control request forbidden: bad auth key")
)

// ControlClient talks to the control plane of a primary.
type ControlClient struct {
	baseURL string
	authKey string
	client  *http.Client
}

func NewControlClient(baseURL, authKey string) *ControlClient {
	return &ControlClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		authKey: authKey,
		// no client timeout: snapshot downloads are bounded by the caller's context
		client: &http.Client{},
	}
}

func (c *ControlClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set(AuthHeader, c.authKey)
	return req, nil
}

// RegisterSession asks the primary for a session key that streams every
// batch after last.
func (c *ControlClient) RegisterSession(ctx context.Context, last types.SequenceNumber) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	body, err := json.Marshal(RegisterRequest{LastSequenceNumber: last})
	if err != nil {
		return "", fmt.Errorf("encode register request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, RegisterPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("register do: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var out RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode register response: %w", err)
	}
	if !out.Success {
		return "", fmt.Errorf("%w: %w: %s", ErrRegistrationRejected, replication.ErrStartUnavailable, out.Error)
	}
	if out.SessionKey == "" {
		return "", fmt.Errorf("register response without session key")
	}

	return out.SessionKey, nil
}

// DownloadSnapshot fetches a fresh primary backup and extracts it into
// destDir.
func (c *ControlClient) DownloadSnapshot(ctx context.Context, destDir string) error {
	req, err := c.newRequest(ctx, http.MethodGet, DownloadPath, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("download do: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if err := archive.Extract(resp.Body, destDir); err != nil {
		return fmt.Errorf("extract snapshot: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrForbidden, replication.ErrUnauthorized)
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("control request failed: status=%d body=%s", resp.StatusCode, string(b))
	}
}

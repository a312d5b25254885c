package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// KVClient reads and writes keys over the /kv routes of a primary or a
// replica.
type KVClient struct {
	baseURL string
	authKey string
	client  *http.Client
}

func NewKVClient(baseURL, authKey string) *KVClient {
	return &KVClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		authKey: authKey,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
}

func (c *KVClient) do(ctx context.Context, method, key string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+KVPath+"/"+url.PathEscape(key), body)
	if err != nil {
		return nil, fmt.Errorf("create kv request: %w", err)
	}
	if c.authKey != "" {
		req.Header.Set(AuthHeader, c.authKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kv %s do: %w", method, err)
	}
	return resp, nil
}

func (c *KVClient) Put(ctx context.Context, key, value string) error {
	resp, err := c.do(ctx, http.MethodPut, key, strings.NewReader(value))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return checkStatus(resp)
}

func (c *KVClient) Delete(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return checkStatus(resp)
}

// Get returns found=false on 404.
func (c *KVClient) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, key, nil)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if err := checkStatus(resp); err != nil {
		return "", false, err
	}

	var out KVResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, fmt.Errorf("decode kv response: %w", err)
	}
	return out.Value, true, nil
}

package agent

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
)

const httpTimeout = 10 * time.Second

// HTTPTransport posts batches as a JSON array to the ingestion endpoint,
// authenticating with the API key as a bearer token.
type HTTPTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPTransport(endpoint, apiKey string, client *http.Client) (*HTTPTransport, error) {
	if endpoint == "" {
		return nil, errors.New("agent: endpoint is required")
	}
	if apiKey == "" {
		return nil, errors.New("agent: api key is required")
	}
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	return &HTTPTransport{endpoint: endpoint, apiKey: apiKey, client: client}, nil
}

func (t *HTTPTransport) Send(ctx context.Context, batch []Entry) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ingest returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

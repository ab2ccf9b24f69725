package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient talks to a notary ledger node over its REST API. Writes carry
// the node's write token; reads are unauthenticated.
type HTTPClient struct {
	baseURL    string
	writeToken string
	http       *http.Client
}

type HTTPClientParams struct {
	BaseURL    string
	WriteToken string
	Timeout    time.Duration
}

func NewHTTPClient(params HTTPClientParams) (*HTTPClient, error) {
	if params.BaseURL == "" {
		return nil, errors.New("ledger client requires a base url")
	}
	if params.WriteToken == "" {
		return nil, errors.New("ledger client requires a write token")
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(params.BaseURL, "/"),
		writeToken: params.WriteToken,
		http:       &http.Client{Timeout: timeout},
	}, nil
}

type registerRequest struct {
	ContentHash string `json:"content_hash"`
}

type registerResponse struct {
	TxRef  string `json:"tx_ref"`
	Status string `json:"status"`
}

type recordResponse struct {
	Registered   bool      `json:"registered"`
	RegisteredAt time.Time `json:"registered_at"`
	Registrar    string    `json:"registrar"`
}

type txStatusResponse struct {
	TxRef  string `json:"tx_ref"`
	Status string `json:"status"`
}

func (c *HTTPClient) Submit(ctx context.Context, contentHash string) (string, error) {
	// The ledger keys records by content hash and refuses duplicates without
	// reporting the original reference, so check registration first.
	registered, err := c.Registered(ctx, contentHash)
	if err != nil {
		return "", err
	}
	if registered {
		return "", fmt.Errorf("%w: %s", ErrAlreadyRegistered, contentHash)
	}

	raw, err := json.Marshal(registerRequest{ContentHash: contentHash})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/notary/register", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Notary-Write-Token", c.writeToken)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case httpResp.StatusCode == http.StatusOK || httpResp.StatusCode == http.StatusCreated:
	case httpResp.StatusCode == http.StatusConflict:
		return "", fmt.Errorf("%w: %s", ErrAlreadyRegistered, contentHash)
	case httpResp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d body=%s", ErrUnavailable, httpResp.StatusCode, truncateBody(body))
	default:
		return "", fmt.Errorf("%w: status %d body=%s", ErrRejected, httpResp.StatusCode, truncateBody(body))
	}

	var resp registerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if resp.TxRef == "" {
		return "", fmt.Errorf("%w: response missing tx_ref", ErrRejected)
	}
	return resp.TxRef, nil
}

func (c *HTTPClient) Registered(ctx context.Context, contentHash string) (bool, error) {
	body, status, err := c.get(ctx, "/v1/notary/records/"+url.PathEscape(contentHash))
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	var resp recordResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("%w: decode record: %v", ErrUnavailable, err)
	}
	return resp.Registered, nil
}

func (c *HTTPClient) Info(ctx context.Context, contentHash string) (Record, bool, error) {
	body, status, err := c.get(ctx, "/v1/notary/records/"+url.PathEscape(contentHash))
	if err != nil {
		return Record{}, false, err
	}
	if status == http.StatusNotFound {
		return Record{}, false, nil
	}
	var resp recordResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Record{}, false, fmt.Errorf("%w: decode record: %v", ErrUnavailable, err)
	}
	if !resp.Registered {
		return Record{}, false, nil
	}
	return Record{
		RegisteredAt: resp.RegisteredAt.UTC(),
		Registrar:    resp.Registrar,
	}, true, nil
}

func (c *HTTPClient) TxStatus(ctx context.Context, txRef string) (string, error) {
	body, status, err := c.get(ctx, "/v1/notary/tx/"+url.PathEscape(txRef))
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", fmt.Errorf("%w: unknown transaction %s", ErrRejected, txRef)
	}
	var resp txStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: decode tx status: %v", ErrUnavailable, err)
	}
	if resp.Status == "" {
		return "", fmt.Errorf("%w: response missing status", ErrRejected)
	}
	return resp.Status, nil
}

// get performs a read call. 404 is returned to the caller; other non-200
// statuses become errors.
func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	switch {
	case httpResp.StatusCode == http.StatusOK:
	case httpResp.StatusCode == http.StatusNotFound:
	case httpResp.StatusCode >= 500:
		return nil, 0, fmt.Errorf("%w: status %d body=%s", ErrUnavailable, httpResp.StatusCode, truncateBody(body))
	default:
		return nil, 0, fmt.Errorf("%w: status %d body=%s", ErrRejected, httpResp.StatusCode, truncateBody(body))
	}
	return body, httpResp.StatusCode, nil
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max])
}

package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ziqrishahab/pelaris-edge/internal/models"
	apperrors "github.com/ziqrishahab/pelaris-edge/pkg/errors"
)

const defaultTimeout = 15 * time.Second

// Config describes how to reach the Pelaris backend.
type Config struct {
	// BaseURL of the backend API, e.g. https://pos.pelaris.id/api.
	BaseURL string
	// Token is attached as a bearer credential when set.
	Token string
	// Timeout bounds each request. Zero means 15s.
	Timeout time.Duration
}

// Client is a thin JSON client for the backend endpoints the sync layer
// depends on. Fetch failures surface to the direct caller; transport-level
// failures are tagged so callers can fall back to the offline store.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New constructs a Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}
}

// dataEnvelope is the backend's standard response wrapper.
type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

// ListTransactions fetches the confirmed transaction history for a branch.
func (c *Client) ListTransactions(ctx context.Context, branchID string) ([]models.Transaction, error) {
	if strings.TrimSpace(branchID) == "" {
		return nil, apperrors.ErrBranchRequired
	}

	var out dataEnvelope[[]models.Transaction]
	err := c.do(ctx, http.MethodGet, "/branches/"+branchID+"/transactions", nil, &out)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return out.Data, nil
}

// ListProducts fetches the product catalog for a branch.
func (c *Client) ListProducts(ctx context.Context, branchID string) ([]models.Product, error) {
	if strings.TrimSpace(branchID) == "" {
		return nil, apperrors.ErrBranchRequired
	}

	var out dataEnvelope[[]models.Product]
	err := c.do(ctx, http.MethodGet, "/branches/"+branchID+"/products", nil, &out)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return out.Data, nil
}

// CreateTransaction submits a transaction and returns the server's record,
// including its assigned identifier.
func (c *Client) CreateTransaction(ctx context.Context, transaction models.Transaction) (models.Transaction, error) {
	var out dataEnvelope[models.Transaction]
	err := c.do(ctx, http.MethodPost, "/transactions", transaction, &out)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("create transaction: %w", err)
	}
	return out.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport-level failure: the caller decides whether to go offline.
		return apperrors.ErrBackendUnreachable.WithInternal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errorFromStatus(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorFromStatus(resp *http.Response) error {
	var payload apperrors.AppError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err == nil && payload.Code != "" {
		payload.StatusCode = resp.StatusCode
		return &payload
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return apperrors.ErrNotFound
	case http.StatusConflict:
		return apperrors.ErrConflict
	case http.StatusBadRequest:
		return apperrors.ErrBadRequest
	default:
		return apperrors.New("BACKEND_ERROR", fmt.Sprintf("backend returned status %d", resp.StatusCode), resp.StatusCode)
	}
}

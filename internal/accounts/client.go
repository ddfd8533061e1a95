// Package accounts is the HTTP client for the external accounts service, which
// owns balances and user identities.
package accounts

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

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInsufficientFunds is returned when the balance cannot cover a reservation
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrUnauthorized is returned when the accounts service rejects the credential
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUpstream is returned for unexpected responses from the accounts service
	ErrUpstream = errors.New("accounts service error")
)

// Reservation holds amount of currency from the user's balance
type Reservation struct {
	UserID   string          `json:"user_id"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// User is the identity returned for a credential. Older deployments return
// the id as id rather than user_id.
type User struct {
	UserID string `json:"user_id"`
	ID     string `json:"id"`
}

// Client calls the accounts service
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client for the accounts service at baseURL
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("accounts"),
	}
}

// Reserve holds funds for an order on behalf of the caller
func (c *Client) Reserve(ctx context.Context, token string, r Reservation) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode reservation: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/balances/reserve", token, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusPaymentRequired, resp.StatusCode == http.StatusConflict:
		c.logger.Info("Reservation refused",
			zap.String("user_id", r.UserID),
			zap.String("currency", r.Currency),
			zap.String("amount", r.Amount.String()))
		return fmt.Errorf("%w: %s %s", ErrInsufficientFunds, r.Amount, r.Currency)
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return c.unexpected("reserve", resp)
	}
}

// Resolve returns the user a bearer credential belongs to
func (c *Client) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	resp, err := c.do(ctx, http.MethodGet, "/users/me", token, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("%w: failed to decode user: %v", ErrUpstream, err)
	}
	if user.UserID == "" {
		user.UserID = user.ID
	}
	if user.UserID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrUnauthorized)
	}
	return user.UserID, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUpstream, method, path, err)
	}
	return resp, nil
}

func (c *Client) unexpected(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	c.logger.Error("Unexpected accounts response",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.ByteString("body", msg))
	return fmt.Errorf("%w: %s returned status %d", ErrUpstream, op, resp.StatusCode)
}

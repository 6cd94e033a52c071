package jdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrUnauthorized is returned when JDB rejects the access token. The
// refresher is poked so the next call carries a fresh one.
var ErrUnauthorized = errors.New("jdb: unauthorized")

type ClientConfig struct {
	BaseURL   string
	PartnerID string
	ClientID  string
	ClientKey string
	HMACKey   string
}

type Client struct {
	// baseURL is the base url of JDB backend.
	baseURL string

	partnerID string
	clientID  string
	clientKey string

	// hmacKey signs every request body.
	hmacKey string

	// accessToken is used to authenticate with JDB backend.
	accessToken string
	mu          sync.Mutex

	// toggleTokenRefresher is used to notify token refresher to refresh token.
	toggleTokenRefresher chan struct{}

	hc *http.Client
}

func newClient(c *ClientConfig) *Client {
	return &Client{
		baseURL:   strings.TrimRight(c.BaseURL, "/"),
		partnerID: c.PartnerID,
		clientID:  c.ClientID,
		clientKey: c.ClientKey,
		hmacKey:   c.HMACKey,

		// buffered so a 401 never blocks the caller
		toggleTokenRefresher: make(chan struct{}, 1),

		hc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// notifyAccessTokenExpired renews the access token every ten minutes, or
// sooner when a call was rejected, retrying with exponential backoff.
func (c *Client) notifyAccessTokenExpired(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.toggleTokenRefresher:
			slog.Info("jdb access token rejected, refreshing")
		}

		backOff := time.Second
	Retry:
		for {
			token, err := c.connect(ctx)
			if err == nil {
				c.setAccessToken(token)
				break Retry
			}
			slog.Warn("jdb token refresh failed", "error", err, "retry_in", backOff)

			select {
			case <-ctx.Done():
				return
			case <-time.After(backOff):
				if backOff < time.Minute {
					backOff *= 2
				}
			}
		}
	}
}

func (c *Client) setAccessToken(accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = accessToken
}

func (c *Client) getAccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

func (c *Client) requestRefresh() {
	select {
	case c.toggleTokenRefresher <- struct{}{}:
	default:
	}
}

// post signs body, sends it to path and decodes the reply envelope into out.
func (c *Client) post(ctx context.Context, path string, body []byte, auth bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("jdb %s: new request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("SignedHash", Hmac256(body, []byte(c.hmacKey)))
	if auth {
		req.Header.Set("Authorization", c.getAccessToken())
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("jdb %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.requestRefresh()
		return fmt.Errorf("jdb %s: %w", path, ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jdb %s: http status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("jdb %s: decode: %w", path, err)
	}
	return nil
}

// connect authenticates with JDB and returns the Authorization header value.
func (c *Client) connect(ctx context.Context) (string, error) {
	number, err := randomNumber()
	if err != nil {
		return "", fmt.Errorf("jdb connect: random number: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"requestId":   number,
		"partnerId":   c.partnerID,
		"clientId":    c.clientID,
		"clientScret": c.clientKey,
	})
	if err != nil {
		return "", err
	}

	var reply struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			AccessToken string `json:"accessToken"`
			TokenType   string `json:"tokenType"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/api/pro/dynamic/autenticate", body, false, &reply); err != nil {
		return "", err
	}
	if reply.Status != "OK" {
		return "", fmt.Errorf("jdb connect: status %s: %s", reply.Status, reply.Message)
	}

	return fmt.Sprintf("%s %s", reply.Data.TokenType, reply.Data.AccessToken), nil
}

// getQRFromJDB asks JDB for the EMV string of a dynamic QR.
func (c *Client) getQRFromJDB(ctx context.Context, f *FormQR) (string, error) {
	number, err := randomNumber()
	if err != nil {
		return "", fmt.Errorf("jdb generate qr: random number: %w", err)
	}

	body, err := json.Marshal(struct {
		RequestID     string          `json:"requestId"`
		PartnerID     string          `json:"partnerId"`
		Amount        json.RawMessage `json:"txnAmount"`
		MerchantID    string          `json:"mechantId"`
		BillNumber    string          `json:"billNumber"`
		TerminalID    string          `json:"terminalId"`
		TerminalLabel string          `json:"terminalLabel"`
		MobileNo      string          `json:"mobileNo"`
	}{
		RequestID:     number,
		PartnerID:     c.partnerID,
		Amount:        json.RawMessage(f.Amount.String()),
		MerchantID:    f.MerchantID,
		BillNumber:    f.UUID,
		TerminalID:    f.TerminalLabel,
		TerminalLabel: f.ReferenceLabel,
		MobileNo:      f.Phone,
	})
	if err != nil {
		return "", err
	}

	var reply struct {
		Message string `json:"message"`
		Status  string `json:"status"`
		Data    struct {
			MerchantID string `json:"mcid"`
			EmvCode    string `json:"emv"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/api/pro/dynamic/generateQr", body, true, &reply); err != nil {
		return "", err
	}
	if reply.Status != "OK" {
		return "", fmt.Errorf("jdb generate qr: status %s: %s", reply.Status, reply.Message)
	}

	return reply.Data.EmvCode, nil
}

// checkTransaction looks a bill up. A bill JDB does not know yet is unpaid
// and comes back as (nil, nil).
func (c *Client) checkTransaction(ctx context.Context, uuid string) (*Transaction, error) {
	number, err := randomNumber()
	if err != nil {
		return nil, fmt.Errorf("jdb check transaction: random number: %w", err)
	}

	body, err := json.Marshal(map[string]string{"requestId": number, "billNumber": uuid})
	if err != nil {
		return nil, err
	}

	var reply struct {
		Message string  `json:"message"`
		Status  string  `json:"status"`
		Data    payload `json:"data"`
	}
	if err := c.post(ctx, "/api/pro/dynamic/checkTransaction", body, true, &reply); err != nil {
		return nil, err
	}
	switch reply.Status {
	case "OK":
	case "NOT_FOUND":
		return nil, nil
	default:
		return nil, fmt.Errorf("jdb check transaction: status %s: %s", reply.Status, reply.Message)
	}

	return reply.Data.ToDomain()
}

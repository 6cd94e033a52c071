package ldb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	GrantTypeDefaultStr = "client_credentials"
)

// ldbTimeLayout is the bank's local wall-clock format.
const ldbTimeLayout = "2006-01-02 15:04:05"

var laoTime = time.FixedZone("ICT", 7*60*60)

// notifyAccessTokenExpired renews the token every three minutes, or sooner
// after a 401, with exponential backoff between failures.
func (l *ldb) notifyAccessTokenExpired(ctx context.Context) {
	ticker := time.NewTicker(3 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.toggleTokenRefresher:
			slog.Info("ldb access token rejected, refreshing")
		}

		backOff := time.Second
	Retry:
		for {
			token, err := l.connect(ctx)
			if err == nil {
				l.setAccessToken(token)
				break Retry
			}
			slog.Warn("ldb token refresh failed", "error", err, "retry_in", backOff)

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

func (l *ldb) setAccessToken(accessToken string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accessToken = accessToken
}

func (l *ldb) getAccessToken() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accessToken
}

func (l *ldb) requestRefresh() {
	select {
	case l.toggleTokenRefresher <- struct{}{}:
	default:
	}
}

// connect makes http call to perform authentication with LDB backend.
func (l *ldb) connect(ctx context.Context) (string, error) {
	query := url.Values{"grant_type": []string{GrantTypeDefaultStr}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.accessTokenBaseURL, strings.NewReader(query.Encode()))
	if err != nil {
		return "", fmt.Errorf("ldb connect: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(l.clientID, l.clientSecret)

	resp, err := l.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("ldb connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", fmt.Errorf("ldb connect: %w", ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		rbody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ldb connect: http status %d: %s", resp.StatusCode, rbody)
	}

	var reply struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("ldb connect: decode: %w", err)
	}

	return fmt.Sprintf("%s %s", reply.TokenType, reply.AccessToken), nil
}

type (
	qrFormReq struct {
		QrType   string `json:"qrType"`
		Platform string `json:"platformType"`

		MerchantID string  `json:"merchantId"`
		TerminalID *string `json:"terminalId"`

		PromotionCode string `json:"promotionCode"`
		ExpiryTime    string `json:"expiryTime"`
		TxCount       string `json:"makeTxnTime"`

		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`

		Reference1 string  `json:"ref1"`
		Reference2 string  `json:"ref2"`
		Reference3 *string `json:"ref3"`

		Description  string `json:"metadata"`
		MobileNumber string `json:"mobileNum"`

		DeepLink deepLink `json:"deeplinkMetaData"`

		ReqTxUUID string `json:"-"`
	}

	deepLink struct {
		IsDeepLink string `json:"deeplink"`
		BackURL    string `json:"switchBackURL"`
		BackInfo   string `json:"switchBackInfo"`
	}
)

func (l *ldb) do(req *http.Request, op string, out any) error {
	resp, err := l.hc.Do(req)
	if err != nil {
		return fmt.Errorf("ldb %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		l.requestRefresh()
		return fmt.Errorf("ldb %s: %w", op, ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		rbody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ldb %s: http status %d: %s", op, resp.StatusCode, rbody)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ldb %s: decode: %w", op, err)
	}
	return nil
}

func (l *ldb) getQRFromLDB(ctx context.Context, q *qrFormReq) (string, error) {
	b, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("ldb generate qr: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/vboxConsumers/api/v1/qrpayment/initiate.service", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("ldb generate qr: new request: %w", err)
	}
	l.setHeaders(req, q.ReqTxUUID, b)

	var reply struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Compose struct {
			EmvCode  string `json:"qrCode"`
			DeepLink struct {
				URL string `json:"deeplinkURL"`
			} `json:"deeplinkInfo"`
		} `json:"dataResponse"`
	}
	if err := l.do(req, "generate qr", &reply); err != nil {
		return "", err
	}
	if reply.Status != "00" {
		return "", fmt.Errorf("ldb generate qr: status %s: %s", reply.Status, reply.Message)
	}

	return reply.Compose.EmvCode, nil
}

type (
	// Tx is a payment as LDB reports it.
	Tx struct {
		RefID       string
		UUID        string
		RefNumber   string
		Ccy         string
		Amount      decimal.Decimal
		PaymentBank string
		Status      string
		CreatedAt   time.Time
	}

	TxReply struct {
		Status       string       `json:"status"`
		Message      string       `json:"message"`
		DataResponse DataResponse `json:"dataResponse"`
	}

	DataResponse struct {
		PartnerOrderID   string            `json:"partnerOrderID"`
		PartnerPaymentID string            `json:"partnerPaymentID"`
		TxnItem          []TransactionItem `json:"txnItem"`
	}

	TransactionItem struct {
		ProcessingStatus string          `json:"processingStatus"`
		PaymentBank      string          `json:"paymentBank"`
		PaymentAt        string          `json:"paymentAt"`
		PaymentReference string          `json:"paymentReference"`
		Amount           decimal.Decimal `json:"amount"`
		Currency         string          `json:"currency"`
	}
)

func (d DataResponse) toTx() (*Tx, error) {
	if len(d.TxnItem) == 0 {
		return nil, ErrTxnNotFound
	}
	item := d.TxnItem[0]
	var at time.Time
	if item.PaymentAt != "" {
		t, err := time.ParseInLocation(ldbTimeLayout, item.PaymentAt, laoTime)
		if err != nil {
			return nil, fmt.Errorf("ldb payment time %q: %w", item.PaymentAt, err)
		}
		at = t
	}
	return &Tx{
		RefID:       item.PaymentReference,
		UUID:        d.PartnerOrderID,
		RefNumber:   d.PartnerPaymentID,
		Ccy:         item.Currency,
		Amount:      item.Amount,
		PaymentBank: item.PaymentBank,
		Status:      item.ProcessingStatus,
		CreatedAt:   at,
	}, nil
}

// checkTransaction asks LDB for the payment behind a reference.
// ErrTxnNotFound means nothing was paid yet.
func (l *ldb) checkTransaction(ctx context.Context, refID2, reqTxUUID string) (*Tx, error) {
	queryParams := url.Values{}
	queryParams.Set("reference2", refID2)

	endpoint := fmt.Sprintf("%s/vboxConsumers/api/v1/qrpayment/%s/inquiry.service?%s", l.baseURL, url.PathEscape(reqTxUUID), queryParams.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("ldb check transaction: new request: %w", err)
	}
	l.setHeaders(req, reqTxUUID, nil)

	var reply TxReply
	if err := l.do(req, "check transaction", &reply); err != nil {
		return nil, err
	}

	if reply.Status != "00" {
		if reply.Message == "INQUIRY_TXN_EMPTY" {
			return nil, ErrTxnNotFound
		}
		return nil, fmt.Errorf("ldb check transaction: status %s: %s", reply.Status, reply.Message)
	}

	return reply.DataResponse.toTx()
}

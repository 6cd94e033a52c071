package ldb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var _ LDB = (*ldb)(nil)

var (
	// ErrTxnNotFound means LDB has no payment for the reference yet.
	ErrTxnNotFound  = errors.New("ldb: transaction not found")
	ErrUnauthorized = errors.New("ldb: unauthorized")
	ErrBadSignature = errors.New("ldb: bad webhook signature")
)

type (
	Config struct {
		BaseURL        string
		AccessTokenURL string

		ClientID     string
		ClientSecret string

		MerchantID    string
		PromotionCode string

		PartnerID string
		KeyID     string
		HMACKey   string

		// WebhookSecret signs the callbacks LDB posts to us.
		WebhookSecret string

		SwitchBackURL string
	}

	ldb struct {
		baseURL            string
		accessTokenBaseURL string

		clientID     string
		clientSecret string

		merchantID    string
		promotionCode string

		partnerID string
		keyID     string
		hmacKey   string

		webhookSecret string

		// accessToken is used to authenticate with LDB backend.
		accessToken string
		mu          sync.Mutex

		// toggleTokenRefresher is used to notify token refresher to refresh token.
		toggleTokenRefresher chan struct{}

		hc *http.Client

		// switchBackURL is where the LDB app sends the payer after paying.
		switchBackURL string

		now func() time.Time
	}
)

type LDB interface {
	GenQRCode(ctx context.Context, lq *LDBQRForm) (string, error)
	CheckTransaction(ctx context.Context, refID2, reqTxUUID string) (*Tx, error)
	VerifyWebhook(signature string, body []byte) (*Tx, error)
}

func newLDB(cfg *Config) *ldb {
	return &ldb{
		baseURL:            strings.TrimRight(cfg.BaseURL, "/"),
		accessTokenBaseURL: cfg.AccessTokenURL,
		clientID:           cfg.ClientID,
		clientSecret:       cfg.ClientSecret,
		merchantID:         cfg.MerchantID,
		promotionCode:      cfg.PromotionCode,
		partnerID:          cfg.PartnerID,
		keyID:              cfg.KeyID,
		hmacKey:            cfg.HMACKey,
		webhookSecret:      cfg.WebhookSecret,
		switchBackURL:      cfg.SwitchBackURL,

		toggleTokenRefresher: make(chan struct{}, 1),

		hc: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

// New creates an LDB client and fetches the first access token.
func New(ctx context.Context, cfg *Config) (LDB, error) {
	client := newLDB(cfg)

	token, err := client.connect(ctx)
	if err != nil {
		return nil, err
	}
	client.setAccessToken(token)

	go client.notifyAccessTokenExpired(ctx)

	return client, nil
}

type LDBQRForm struct {
	ExpiryTime      string
	TxCount         string
	Amount          decimal.Decimal
	Currency        string
	UUID            string
	ReferenceNumber string
	MobileNumber    string
	Memo            string
	IsDeepLink      bool

	// MerchantID overrides the configured merchant.
	MerchantID string

	// ReqTxUUID is the request transaction uuid.
	ReqTxUUID string
}

func (l *ldb) GenQRCode(ctx context.Context, f *LDBQRForm) (string, error) {
	if f.MerchantID == "" {
		f.MerchantID = l.merchantID
	}
	q := qrFormReq{
		QrType:        "38",
		Platform:      "BROWSER",
		MerchantID:    f.MerchantID,
		PromotionCode: l.promotionCode,
		ExpiryTime:    f.ExpiryTime,
		TxCount:       f.TxCount,
		Amount:        f.Amount,
		Currency:      f.Currency,
		Reference1:    f.UUID,
		Reference2:    f.ReferenceNumber,
		Description:   f.Memo,
		MobileNumber:  f.MobileNumber,
		ReqTxUUID:     f.ReqTxUUID,
		DeepLink: deepLink{
			IsDeepLink: isDeepLinkToStr(f.IsDeepLink),
			BackURL:    fmt.Sprintf("%s/%s/ticket", strings.TrimRight(l.switchBackURL, "/"), f.UUID),
			BackInfo:   "ticket",
		},
	}

	return l.getQRFromLDB(ctx, &q)
}

func (l *ldb) CheckTransaction(ctx context.Context, refID2, reqTxUUID string) (*Tx, error) {
	return l.checkTransaction(ctx, refID2, reqTxUUID)
}

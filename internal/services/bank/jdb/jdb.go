package jdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pubnub "github.com/pubnub/go/v7"
	"github.com/shopspring/decimal"
)

type (
	Config struct {
		BaseURL    string
		PartnerID  string
		ClientID   string
		ClientKey  string
		HMACKey    string
		MerchantID string

		PNSubKey    string
		PNSecretKey string
		PNCipherKey string
		PNUUID      string
		PNChannel   string
	}

	// Yespay is the JDB dynamic QR product. Payments are pushed on a PubNub
	// channel per bill and can be confirmed through checkTransaction.
	Yespay struct {
		MerchantID string
		hmacKey    string

		sub    *subscribe
		client *Client
	}

	// Transaction is a payment JDB reports for a bill.
	Transaction struct {
		RefID         string
		UUID          string
		FCCRef        string
		Ccy           string
		Payer         string
		AccountNumber string
		Amount        decimal.Decimal
		CreatedAt     time.Time
	}

	// FormQR describes the QR to generate. UUID is the bill number JDB
	// echoes back on payment.
	FormQR struct {
		UUID           string
		Phone          string
		MerchantID     string
		ReferenceLabel string
		TerminalLabel  string
		Amount         decimal.Decimal
	}

	payload struct {
		RefID         string          `json:"refNo"`
		UUID          string          `json:"billNumber"`
		FCCRef        string          `json:"exReferenceNo"`
		Ccy           string          `json:"sourceCurrency"`
		Payer         string          `json:"sourceName"`
		AccountNumber string          `json:"sourceAccount"`
		Amount        decimal.Decimal `json:"txnAmount"`
		CreatedAt     string          `json:"txnDateTime"`
	}
)

// jdbTimeLayout is the bank's local wall-clock format.
const jdbTimeLayout = "2006-01-02 15:04:05"

var laoTime = time.FixedZone("ICT", 7*60*60)

// New authenticates with JDB, starts the token refresher and subscribes to
// the payment push channel.
func New(ctx context.Context, cfg *Config) (*Yespay, error) {
	client := newClient(&ClientConfig{
		BaseURL:   cfg.BaseURL,
		PartnerID: cfg.PartnerID,
		ClientID:  cfg.ClientID,
		ClientKey: cfg.ClientKey,
		HMACKey:   cfg.HMACKey,
	})

	token, err := client.connect(ctx)
	if err != nil {
		return nil, err
	}
	client.setAccessToken(token)

	go client.notifyAccessTokenExpired(ctx)

	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.PNUUID))
	pnCfg.SubscribeKey = cfg.PNSubKey
	pnCfg.CipherKey = cfg.PNCipherKey
	pnCfg.SecretKey = cfg.PNSecretKey

	y := &Yespay{
		MerchantID: cfg.MerchantID,
		hmacKey:    cfg.HMACKey,
		client:     client,
		sub:        newSubscription(pubnub.NewPubNub(pnCfg)),
	}
	y.sub.pn.AddListener(y.sub.lis)
	if cfg.PNChannel != "" {
		y.sub.pn.Subscribe().Channels([]string{cfg.PNChannel}).Execute()
	}

	go y.sub.processSubscription(ctx)

	return y, nil
}

type subscribe struct {
	pn  *pubnub.PubNub
	lis *pubnub.Listener

	mu sync.RWMutex
	ch chan<- *Transaction
}

func newSubscription(pn *pubnub.PubNub) *subscribe {
	return &subscribe{pn: pn, lis: pubnub.NewListener()}
}

func (s *subscribe) processSubscription(ctx context.Context) {
	for {
		select {
		case st := <-s.lis.Status:
			switch st.Category {
			case pubnub.PNConnectedCategory, pubnub.PNReconnectedCategory:
				slog.Info("jdb pubnub connected", "category", st.Category.String())
			case pubnub.PNDisconnectedCategory, pubnub.PNReconnectionAttemptsExhausted,
				pubnub.PNAccessDeniedCategory, pubnub.PNBadRequestCategory, pubnub.PNTimeoutCategory:
				slog.Warn("jdb pubnub status", "category", st.Category.String())
			default:
				slog.Debug("jdb pubnub status", "category", st.Category.String())
			}

		case message := <-s.lis.Message:
			tran, err := decodeMessage(message.Message)
			if err != nil {
				slog.Warn("jdb pubnub message dropped", "channel", message.Channel, "error", err)
				continue
			}
			s.deliver(ctx, tran)

		case <-ctx.Done():
			slog.Info("jdb pubnub subscription closed")
			return
		}
	}
}

func (s *subscribe) deliver(ctx context.Context, tran *Transaction) {
	s.mu.RLock()
	ch := s.ch
	s.mu.RUnlock()
	if ch == nil {
		slog.Warn("jdb payment push without consumer", "bill", tran.UUID)
		return
	}
	select {
	case ch <- tran:
	case <-ctx.Done():
	}
}

// decodeMessage accepts the push either as the raw JSON string JDB sends
// or as an already decoded object.
func decodeMessage(msg any) (*Transaction, error) {
	var raw []byte
	switch m := msg.(type) {
	case string:
		raw = []byte(m)
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return ParsePayload(raw)
}

// ParsePayload decodes a JDB payment notification body.
func ParsePayload(raw []byte) (*Transaction, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("jdb payload: %w", err)
	}
	if p.UUID == "" {
		return nil, fmt.Errorf("jdb payload: missing billNumber")
	}
	return p.ToDomain()
}

func (p *payload) ToDomain() (*Transaction, error) {
	var ts time.Time
	if p.CreatedAt != "" {
		t, err := time.ParseInLocation(jdbTimeLayout, p.CreatedAt, laoTime)
		if err != nil {
			return nil, fmt.Errorf("jdb payload time %q: %w", p.CreatedAt, err)
		}
		ts = t
	}

	return &Transaction{
		RefID:         p.RefID,
		UUID:          p.UUID,
		FCCRef:        p.FCCRef,
		Ccy:           p.Ccy,
		Payer:         p.Payer,
		AccountNumber: p.AccountNumber,
		Amount:        p.Amount,
		CreatedAt:     ts,
	}, nil
}

// channelFor is the per-bill push channel JDB publishes on.
func (y *Yespay) channelFor(uuid string) string {
	return fmt.Sprintf("%s_%s", y.MerchantID, uuid)
}

func (y *Yespay) addChannel(uuid string) {
	// replay the last two minutes in case the payer was faster than us
	tt := time.Now().Add(-2*time.Minute).UnixNano() / 100
	y.sub.pn.Subscribe().Channels([]string{y.channelFor(uuid)}).Timetoken(tt).Execute()
}

func (y *Yespay) Unsubscribe(uuid string) {
	y.sub.pn.Unsubscribe().Channels([]string{y.channelFor(uuid)}).Execute()
}

func (y *Yespay) SetTranChannel(ch chan<- *Transaction) {
	y.sub.mu.Lock()
	y.sub.ch = ch
	y.sub.mu.Unlock()
}

// CheckTransaction returns nil without error while the bill is unpaid.
func (y *Yespay) CheckTransaction(ctx context.Context, uuid string) (*Transaction, error) {
	return y.client.checkTransaction(ctx, uuid)
}

func (y *Yespay) GenQRCode(ctx context.Context, f *FormQR) (string, error) {
	if f.MerchantID == "" {
		f.MerchantID = y.MerchantID
	}
	emvCode, err := y.client.getQRFromJDB(ctx, f)
	if err != nil {
		return "", err
	}

	y.addChannel(f.UUID)

	return emvCode, nil
}

// VerifyWebhook checks the SignedHash header JDB puts on callbacks and
// decodes the body.
func (y *Yespay) VerifyWebhook(signedHash string, body []byte) (*Transaction, error) {
	if !VerifySignedHash(body, []byte(y.hmacKey), signedHash) {
		return nil, ErrBadSignature
	}
	return ParsePayload(body)
}

func (y *Yespay) Close() {
	y.sub.pn.UnsubscribeAll()
	y.sub.pn.Destroy()
}

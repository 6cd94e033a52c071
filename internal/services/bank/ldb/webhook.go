package ldb

import (
	"crypto/hmac"
	"encoding/json"
	"fmt"
)

// Processing statuses LDB uses on payments.
const (
	StatusFinalized = "FNLD"
	StatusRejected  = "RJCT"
	StatusFailed    = "FAIL"
)

// LDBHookReq is the callback body LDB posts when a QR payment settles.
type LDBHookReq struct {
	Status       string       `json:"status"`
	Message      string       `json:"message"`
	DataResponse DataResponse `json:"dataResponse"`
}

func (l *ldb) VerifyWebhook(signature string, body []byte) (*Tx, error) {
	if l.webhookSecret == "" || signature == "" {
		return nil, ErrBadSignature
	}
	if !hmac.Equal([]byte(signature), []byte(SignWebhook(l.webhookSecret, body))) {
		return nil, ErrBadSignature
	}

	var hook LDBHookReq
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("ldb webhook: decode: %w", err)
	}
	return hook.DataResponse.toTx()
}

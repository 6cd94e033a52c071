package ldb

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// setHeaders adds the partner headers, and for the initiate call the
// hs2019 digest signature over body.
func (l *ldb) setHeaders(req *http.Request, reqTxUUID string, body []byte) {
	now := l.now().In(laoTime)
	nowUnix := now.Unix()

	req.Header.Set("Authorization", l.getAccessToken())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("partnerId", l.partnerID)
	req.Header.Set("X-Client-Transaction-ID", reqTxUUID)
	req.Header.Set("X-Client-Transaction-Datetime", now.Format("2006-01-02T15:04:05.999-0700"))

	if !strings.Contains(req.URL.Path, "/v1/qrpayment/initiate.service") {
		return
	}

	hash := sha256.Sum256(body)
	digest := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])

	signature := fmt.Sprintf("digest: %s\n(request-target): %s %s\n(created): %d\nx-client-transaction-id: %s",
		digest, strings.ToLower(req.Method), req.URL.Path, nowUnix, reqTxUUID)
	signature = base64.StdEncoding.EncodeToString(hmac256([]byte(l.hmacKey), []byte(signature)))
	signature = fmt.Sprintf(`keyId="%s",algorithm="hs2019",created=%d,expires=%d,headers="digest (request-target) (created) x-client-transaction-id",signature="%s"`,
		l.keyID, nowUnix, nowUnix, signature)

	req.Header.Set("Digest", digest)
	req.Header.Set("Signature", signature)
}

func hmac256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// SignWebhook is the hex HMAC-SHA256 LDB sends in X-Signature.
func SignWebhook(secret string, body []byte) string {
	return hex.EncodeToString(hmac256([]byte(secret), body))
}

func isDeepLinkToStr(v bool) string {
	if v {
		return "Y"
	}
	return "N"
}

package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// QRTokenBytes is the entropy of a ticket QR code.
const QRTokenBytes = 32

// GenerateQRToken returns an unguessable, URL-safe ticket code.
func GenerateQRToken() (string, error) {
	return randomHex(QRTokenBytes)
}

func GenerateCode(n int) (string, error) {
	code, err := randomHex(n)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(code), nil
}

func randomHex(n int) (string, error) {
	byt := make([]byte, n)
	if _, err := rand.Read(byt); err != nil {
		return "", err
	}
	return hex.EncodeToString(byt), nil
}

// GenerateOTP returns length random decimal digits.
func GenerateOTP(length int) (string, error) {
	const charset = "0123456789"

	code := make([]byte, length)
	if _, err := rand.Read(code); err != nil {
		return "", err
	}

	for i := 0; i < length; i++ {
		code[i] = charset[int(code[i])%len(charset)]
	}

	return string(code), nil
}

// ValidQRToken rejects strings that cannot be a ticket code before a lookup.
func ValidQRToken(code string) bool {
	if len(code) != QRTokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(code)
	return err == nil
}

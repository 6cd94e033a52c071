package jdb

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
)

// ErrBadSignature is returned for callbacks whose SignedHash does not match.
var ErrBadSignature = errors.New("jdb: bad signed hash")

func randomNumber() (string, error) {
	min := big.NewInt(100000000000000000)
	max := big.NewInt(999999999999999999)
	n, err := rand.Int(rand.Reader, new(big.Int).Sub(max, min))
	if err != nil {
		return "", err
	}

	n.Add(n, min)
	return n.String(), nil
}

// Hmac256 is a function to generate HMAC256 hash.
func Hmac256(body, key []byte) string {
	hash := hmac.New(sha256.New, key)
	hash.Write(body)
	return hex.EncodeToString(hash.Sum(nil))
}

// VerifySignedHash reports whether signedHash is the HMAC of body under key.
func VerifySignedHash(body, key []byte, signedHash string) bool {
	if signedHash == "" || len(key) == 0 {
		return false
	}
	expected := Hmac256(body, key)
	return hmac.Equal([]byte(signedHash), []byte(expected))
}

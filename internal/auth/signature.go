// Package auth authenticates API callers by their Ethereum key.
//
// Every transaction request carries four headers:
//
//	X-VoltGrid-Address    caller address (0x...)
//	X-VoltGrid-Timestamp  unix seconds
//	X-VoltGrid-Nonce      random hex, unique per request
//	X-VoltGrid-Signature  EIP-191 personal_sign over the canonical message
//
// The canonical message is
// "VoltGrid|{METHOD}|{PATH?QUERY}|{keccak256(body)}|{timestamp}|{nonce}".
package auth

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderAddress   = "X-VoltGrid-Address"
	HeaderTimestamp = "X-VoltGrid-Timestamp"
	HeaderNonce     = "X-VoltGrid-Nonce"
	HeaderSignature = "X-VoltGrid-Signature"
)

var (
	ErrMissingHeaders   = errors.New("signature headers missing")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("timestamp outside allowed window")
	ErrReplay           = errors.New("signature already used")
)

const maxNonceLength = 64

// CanonicalMessage builds the string a caller signs for one request.
// requestURI is the path plus the raw query, as in url.URL.RequestURI.
func CanonicalMessage(method, requestURI string, body []byte, timestamp int64, nonce string) string {
	return fmt.Sprintf("VoltGrid|%s|%s|%s|%d|%s",
		strings.ToUpper(method),
		requestURI,
		crypto.Keccak256Hash(body).Hex(),
		timestamp,
		nonce,
	)
}

// NewNonce returns 16 random bytes, hex encoded.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashMessage creates an Ethereum signed message hash.
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191.
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// Sign produces a 0x-prefixed personal_sign signature with v in {27, 28}.
func Sign(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(HashMessage(message), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverAddress recovers the signer's address from a message and a
// hex-encoded 65-byte signature (r[32] + s[32] + v[1]). Only the canonical
// low-s form is accepted, so each message has exactly one valid signature.
func RecoverAddress(message, signatureHex string) (common.Address, error) {
	signature, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: bad hex: %v", ErrInvalidSignature, err)
	}
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("%w: must be 65 bytes, got %d", ErrInvalidSignature, len(signature))
	}

	// Ethereum signatures have v = 27 or 28, but SigToPub expects 0 or 1
	if signature[64] >= 27 {
		signature[64] -= 27
	}
	r := new(big.Int).SetBytes(signature[:32])
	sv := new(big.Int).SetBytes(signature[32:64])
	if !crypto.ValidateSignatureValues(signature[64], r, sv, true) {
		return common.Address{}, fmt.Errorf("%w: non-canonical signature values", ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(HashMessage(message), signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignRequest signs req in place with key. The body is read and restored.
func SignRequest(req *http.Request, key *ecdsa.PrivateKey, now time.Time) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		_ = req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	nonce, err := NewNonce()
	if err != nil {
		return err
	}
	ts := now.Unix()
	sig, err := Sign(key, CanonicalMessage(req.Method, req.URL.RequestURI(), body, ts, nonce))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAddress, crypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, sig)
	return nil
}

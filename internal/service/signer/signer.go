// Package signer builds the canonical signing message and the
// Authorization header required by the payment processor.
//
// Signing is RSA PKCS#1 v1.5 over SHA-256, which is deterministic: the
// same inputs always produce the same signature. Callers supply the
// timestamp and nonce so that every function here is pure.
package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Scheme is the authorization scheme name the processor expects.
const Scheme = "WECHATPAY2-SHA256-RSA2048"

// Signer signs outbound requests for one merchant.
type Signer struct {
	mchID    string
	serialNo string
	key      *rsa.PrivateKey
}

// New returns a Signer. The key is expected to be loaded once at startup.
func New(mchID, serialNo string, key *rsa.PrivateKey) (*Signer, error) {
	if mchID == "" || serialNo == "" {
		return nil, errors.New("signer: merchant id and serial number are required")
	}
	if key == nil {
		return nil, errors.New("signer: nil private key")
	}
	return &Signer{mchID: mchID, serialNo: serialNo, key: key}, nil
}

// MchID returns the merchant id the signer signs for.
func (s *Signer) MchID() string { return s.mchID }

// Message returns the canonical string to sign. The trailing newline
// is part of the message.
func Message(method, path, body string, timestamp int64, nonce string) string {
	var b strings.Builder
	b.Grow(len(method) + len(path) + len(body) + len(nonce) + 16)
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.WriteString(body)
	b.WriteByte('\n')
	return b.String()
}

// Sign returns the base64 signature of the canonical message.
func (s *Signer) Sign(method, path, body string, timestamp int64, nonce string) (string, error) {
	digest := sha256.Sum256([]byte(Message(method, path, body, timestamp, nonce)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Authorization signs the request and returns the full header value.
func (s *Signer) Authorization(method, path, body string, timestamp int64, nonce string) (string, error) {
	sig, err := s.Sign(method, path, body, timestamp, nonce)
	if err != nil {
		return "", err
	}
	return FormatAuthorization(s.mchID, nonce, timestamp, s.serialNo, sig), nil
}

// FormatAuthorization lays out the header value. Field order is fixed,
// values are double-quoted and separated by a bare comma.
func FormatAuthorization(mchID, nonce string, timestamp int64, serialNo, signature string) string {
	return fmt.Sprintf(`%s mchid="%s",nonce_str="%s",timestamp="%d",serial_no="%s",signature="%s"`,
		Scheme, mchID, nonce, timestamp, serialNo, signature)
}

// Verify checks signature against the canonical message using pub.
func Verify(pub *rsa.PublicKey, method, path, body string, timestamp int64, nonce, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("verify: decode signature: %w", err)
	}
	digest := sha256.Sum256([]byte(Message(method, path, body, timestamp, nonce)))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	return nil
}

// NewNonce returns a 32 character upper-case hex nonce.
func NewNonce() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

package asc

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

const (
	tokenAudience = "appstoreconnect-v1"
	tokenLifetime = 20 * time.Minute

	// tokenRefreshMargin is how much validity must remain for a cached
	// token to be reused. A token is never handed out with less than this
	// left on the clock, so it cannot expire mid-request.
	tokenRefreshMargin = 60 * time.Second
)

// ErrMalformedSignature indicates an ECDSA signature that does not parse as
// a well-formed two-integer DER encoding.
var ErrMalformedSignature = errors.New("malformed ECDSA signature")

// Signer produces short-lived ES256-signed bearer tokens for the App Store
// Connect API. It caches the current token and regenerates it once fewer
// than 60 seconds of validity remain.
type Signer struct {
	keyID    string
	issuerID string
	key      *ecdsa.PrivateKey

	mu     sync.Mutex
	token  string
	expiry time.Time

	now func() time.Time
}

// NewSigner creates a Signer for the given key and issuer.
func NewSigner(keyID, issuerID string, key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		keyID:    keyID,
		issuerID: issuerID,
		key:      key,
		now:      time.Now,
	}
}

// ParsePrivateKey parses a PKCS#8 PEM private key (.p8 file content) and
// requires it to be an EC key.
func ParsePrivateKey(pemData []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found in private key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, expected EC key", parsed)
	}
	return key, nil
}

// CurrentToken returns the cached token when it has more than the refresh
// margin of validity left, otherwise signs a new one.
func (s *Signer) CurrentToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expiry.Add(-tokenRefreshMargin)) {
		return s.token, nil
	}

	token, expiry, err := s.sign()
	if err != nil {
		return "", err
	}
	s.token = token
	s.expiry = expiry
	return token, nil
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

type tokenClaims struct {
	Iss string `json:"iss"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	Aud string `json:"aud"`
}

func (s *Signer) sign() (string, time.Time, error) {
	now := s.now()
	expiry := now.Add(tokenLifetime)

	header, err := json.Marshal(tokenHeader{Alg: "ES256", Kid: s.keyID, Typ: "JWT"})
	if err != nil {
		return "", time.Time{}, err
	}
	claims, err := json.Marshal(tokenClaims{
		Iss: s.issuerID,
		Iat: now.Unix(),
		Exp: expiry.Unix(),
		Aud: tokenAudience,
	})
	if err != nil {
		return "", time.Time{}, err
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(header) + "." + enc.EncodeToString(claims)

	digest := sha256.Sum256([]byte(signingInput))
	der, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	sig, err := joseSignature(der)
	if err != nil {
		return "", time.Time{}, err
	}

	return signingInput + "." + enc.EncodeToString(sig), expiry, nil
}

// joseSignature converts a DER-encoded ECDSA signature into the fixed-width
// JOSE form: the 32-byte big-endian r followed by the 32-byte big-endian s,
// each left-padded with zeros. DER leading zero bytes beyond 32 are dropped
// by the integer decoding.
func joseSignature(der []byte) ([]byte, error) {
	var parsed struct {
		R, S *big.Int
	}
	rest, err := asn1.Unmarshal(der, &parsed)
	if err != nil || len(rest) != 0 || parsed.R == nil || parsed.S == nil {
		return nil, ErrMalformedSignature
	}
	if parsed.R.Sign() < 0 || parsed.S.Sign() < 0 ||
		parsed.R.BitLen() > 256 || parsed.S.BitLen() > 256 {
		return nil, ErrMalformedSignature
	}

	out := make([]byte, 64)
	parsed.R.FillBytes(out[:32])
	parsed.S.FillBytes(out[32:])
	return out, nil
}

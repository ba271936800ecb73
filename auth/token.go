package auth

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionIssuer is the iss claim of every session token.
const SessionIssuer = "SSH Key Authority"

// DefaultSessionTTL applies when the provider reports no expiry.
const DefaultSessionTTL = 15 * time.Minute

var errMalformedSession = errors.New("malformed session value")

// SessionClaims is the authenticated identity carried in the session cookie.
type SessionClaims struct {
	EntityID uuid.UUID `json:"id"`
	UID      string    `json:"uid"`
	Name     *string   `json:"name,omitempty"`
	Role     Role      `json:"type_"`
	jwt.RegisteredClaims
}

// DisplayName returns Name, falling back to the uid.
func (c SessionClaims) DisplayName() string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	return c.UID
}

// SessionCodec turns claims into an HS256 JWT, then encrypts the JWT with
// AES-128-CBC (PKCS#7 padding, random IV appended) and base64-encodes it.
type SessionCodec struct {
	secret  []byte
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewSessionCodec keeps a copy of secret. Secrets shorter than 16 bytes make
// every Encode fail with ErrInvalidSecret and every Decode report no session.
func NewSessionCodec(secret []byte, logger *slog.Logger, metrics *Metrics) *SessionCodec {
	return &SessionCodec{
		secret:  append([]byte(nil), secret...),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Encode signs and encrypts claims. The issuer is always SessionIssuer.
func (c *SessionCodec) Encode(claims SessionClaims) (string, error) {
	block, err := c.block()
	if err != nil {
		return "", err
	}
	claims.Issuer = SessionIssuer
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}

	plain := pkcs7Pad([]byte(signed), aes.BlockSize)
	out := make([]byte, len(plain)+aes.BlockSize)
	iv := out[len(plain):]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[:len(plain)], plain)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decode reverses Encode. Every failure, including an expired token, is
// logged and reported as no session.
func (c *SessionCodec) Decode(value string) (*SessionClaims, bool) {
	claims, err := c.decode(value)
	if err != nil {
		c.logger.Warn("session_decode_failed", "error", err)
		c.metrics.sessionDecodeFailed()
		return nil, false
	}
	return claims, true
}

func (c *SessionCodec) decode(value string) (*SessionClaims, error) {
	block, err := c.block()
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, errMalformedSession
	}
	body, iv := raw[:len(raw)-aes.BlockSize], raw[len(raw)-aes.BlockSize:]
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)
	signed, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, err
	}

	claims := &SessionClaims{}
	_, err = jwt.ParseWithClaims(string(signed), claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(SessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify session token: %w", err)
	}
	return claims, nil
}

func (c *SessionCodec) block() (cipher.Block, error) {
	if len(c.secret) < aes.BlockSize {
		return nil, fmt.Errorf("%w: session key needs %d bytes, got %d", ErrInvalidSecret, aes.BlockSize, len(c.secret))
	}
	return aes.NewCipher(c.secret[:aes.BlockSize])
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errMalformedSession
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size {
		return nil, errMalformedSession
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, errMalformedSession
		}
	}
	return b[:len(b)-n], nil
}

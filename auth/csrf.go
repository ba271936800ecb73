package auth

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// CSRFFormField is the form field (or X-CSRF-Token header) carrying the token.
	CSRFFormField  = "csrf"
	CSRFHeaderName = "X-CSRF-Token"
	// CSRFTTL bounds how long a sealed cookie stays valid.
	CSRFTTL = 15 * time.Minute

	csrfValueSize = 64
)

var (
	csrfCookieAD = []byte("keyauthority csrf cookie")
	csrfTokenAD  = []byte("keyauthority csrf token")
)

// CSRFProtector implements a sealed double-submit scheme. The cookie seals a
// random 64-byte value together with an expiry; the form token seals the same
// value. A pair verifies only when both open under the app secret, the values
// match and the cookie has not expired.
type CSRFProtector struct {
	aead    cipher.AEAD
	cookies CookieConfig
	metrics *Metrics
	ttl     time.Duration
	now     func() time.Time
	rand    io.Reader
}

// NewCSRFProtector keys an XChaCha20-Poly1305 AEAD with the app secret.
func NewCSRFProtector(secrets SecretMaterial, cookies CookieConfig, metrics *Metrics) (*CSRFProtector, error) {
	if len(secrets.AppSecret) < chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: csrf key needs %d bytes", ErrInvalidSecret, chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.NewX(secrets.AppSecret[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, fmt.Errorf("init csrf cipher: %w", err)
	}
	return &CSRFProtector{
		aead:    aead,
		cookies: cookies,
		metrics: metrics,
		ttl:     CSRFTTL,
		now:     time.Now,
		rand:    rand.Reader,
	}, nil
}

// Issue returns a form token and the cookie value paired with it. When
// previousCookie is an authentic, unexpired cookie its value is kept so tokens
// already embedded in open forms keep verifying; the cookie itself is always
// resealed with a fresh nonce and expiry. Anything else yields a fresh pair.
func (p *CSRFProtector) Issue(previousCookie string) (token, cookie string, err error) {
	value, ok := p.openCookie(previousCookie)
	if !ok {
		value = make([]byte, csrfValueSize)
		if _, err := io.ReadFull(p.rand, value); err != nil {
			return "", "", fmt.Errorf("generate csrf value: %w", err)
		}
	}

	plain := make([]byte, 8+csrfValueSize)
	binary.BigEndian.PutUint64(plain, uint64(p.now().Add(p.ttl).Unix()))
	copy(plain[8:], value)

	if cookie, err = p.seal(plain, csrfCookieAD); err != nil {
		return "", "", err
	}
	if token, err = p.seal(value, csrfTokenAD); err != nil {
		return "", "", err
	}
	return token, cookie, nil
}

// Verify reports whether token was issued for cookie and the cookie is fresh.
func (p *CSRFProtector) Verify(cookie, token string) bool {
	if cookie == "" || token == "" {
		return false
	}
	cookieValue, expiry, ok := p.openCookieRaw(cookie)
	if !ok || !p.now().Before(expiry) {
		return false
	}
	tokenValue, err := p.open(token, csrfTokenAD)
	if err != nil || len(tokenValue) != csrfValueSize {
		return false
	}
	return subtle.ConstantTimeCompare(cookieValue, tokenValue) == 1
}

// IssueCookie issues a token for r and sets the rotated csrf cookie on w.
func (p *CSRFProtector) IssueCookie(w http.ResponseWriter, r *http.Request) (string, error) {
	previous := ""
	if c, err := r.Cookie(CSRFCookieName); err == nil {
		previous = c.Value
	}
	token, cookie, err := p.Issue(previous)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, p.cookies.New(r, CSRFCookieName, cookie, 0))
	return token, nil
}

// VerifyRequest checks the submitted token (form field or header) against
// the request's csrf cookie.
func (p *CSRFProtector) VerifyRequest(r *http.Request) bool {
	token := r.Header.Get(CSRFHeaderName)
	if token == "" {
		token = r.PostFormValue(CSRFFormField)
	}
	cookie := ""
	if c, err := r.Cookie(CSRFCookieName); err == nil {
		cookie = c.Value
	}
	ok := p.Verify(cookie, token)
	p.metrics.csrfCheck(ok)
	return ok
}

func (p *CSRFProtector) openCookie(cookie string) ([]byte, bool) {
	if cookie == "" {
		return nil, false
	}
	value, expiry, ok := p.openCookieRaw(cookie)
	if !ok || !p.now().Before(expiry) {
		return nil, false
	}
	return value, true
}

func (p *CSRFProtector) openCookieRaw(cookie string) ([]byte, time.Time, bool) {
	plain, err := p.open(cookie, csrfCookieAD)
	if err != nil || len(plain) != 8+csrfValueSize {
		return nil, time.Time{}, false
	}
	expiry := time.Unix(int64(binary.BigEndian.Uint64(plain[:8])), 0)
	return plain[8:], expiry, true
}

func (p *CSRFProtector) seal(plain, ad []byte) (string, error) {
	nonce := make([]byte, p.aead.NonceSize(), p.aead.NonceSize()+len(plain)+p.aead.Overhead())
	if _, err := io.ReadFull(p.rand, nonce); err != nil {
		return "", fmt.Errorf("generate csrf nonce: %w", err)
	}
	sealed := p.aead.Seal(nonce, nonce, plain, ad)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (p *CSRFProtector) open(encoded string, ad []byte) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw) < p.aead.NonceSize()+p.aead.Overhead() {
		return nil, errors.New("sealed value too short")
	}
	nonce, ciphertext := raw[:p.aead.NonceSize()], raw[p.aead.NonceSize():]
	return p.aead.Open(nil, nonce, ciphertext, ad)
}

package auth

import (
	"net/http"
	"net/url"
	"strings"
)

// Cookie names shared with the browser.
const (
	CSRFCookieName         = "csrf"
	StateCookieName        = "state"
	RedirectCookieName     = "redirect"
	SessionCookieName      = "token"
	AccessTokenCookieName  = "access_token"
	RefreshTokenCookieName = "refresh_token"
)

const stateCookieMaxAge = 300

// CookieConfig builds cookies with consistent attributes. Secure is set when
// the request arrived over TLS, or via a trusted proxy that reports https.
type CookieConfig struct {
	Domain            string
	TrustProxyHeaders bool
}

// New returns a Path=/, HttpOnly, SameSite=Lax cookie. maxAge of zero yields a
// browser-session cookie.
func (c CookieConfig) New(r *http.Request, name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure(r),
		SameSite: http.SameSiteLaxMode,
	}
}

// Delete returns a cookie that clears name (empty value, Max-Age=0).
func (c CookieConfig) Delete(r *http.Request, name string) *http.Cookie {
	return c.New(r, name, "", -1)
}

func (c CookieConfig) secure(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	return c.TrustProxyHeaders && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// SafeRedirect accepts only same-origin absolute paths such as "/app/groups".
func SafeRedirect(target string) (string, bool) {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "", false
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "", false
	}
	for _, ch := range target {
		if ch < 0x21 || ch > 0x7e || ch == '"' || ch == ';' || ch == '\\' || ch == ',' {
			return "", false
		}
	}
	return target, true
}

// Package signin recognises the retail site's authentication interstitials so
// fetchers can report them as fetcher.ErrSignInRequired instead of returning
// a sign-in form as if it were the requested page.
package signin

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var signInPaths = []string{"/ap/signin", "/ap/mfa", "/ap/cvf"}

// formSelectors match the sign-in, MFA, and captcha forms served in place of
// account pages.
const formSelectors = `form[name="signIn"], form#auth-mfa-form, form[action*="/ap/signin"], ` +
	`form[action*="/errors/validateCaptcha"], input#ap_email, input#ap_password`

// Detect reports whether a response is an authentication interstitial, either
// because the final URL points at the sign-in flow or because the body carries
// a sign-in form.
func Detect(finalURL string, body []byte) bool {
	if IsSignInURL(finalURL) {
		return true
	}
	if len(body) == 0 || !bytes.Contains(body, []byte("<form")) {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return doc.Find(formSelectors).Length() > 0
}

// IsSignInURL reports whether rawURL lives under the sign-in flow.
func IsSignInURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for _, prefix := range signInPaths {
		if strings.HasPrefix(u.Path, prefix) {
			return true
		}
	}
	return false
}

package signin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		url  string
		body string
		want bool
	}{
		{
			name: "redirected to sign-in",
			url:  "https://www.amazon.com/ap/signin?openid.return_to=x",
			want: true,
		},
		{
			name: "mfa challenge",
			url:  "https://www.amazon.com/ap/mfa?arb=1",
			want: true,
		},
		{
			name: "sign-in form served in place",
			url:  "https://www.amazon.com/gp/css/order-history",
			body: `<html><body><form name="signIn" method="post"><input id="ap_email"/></form></body></html>`,
			want: true,
		},
		{
			name: "captcha form",
			url:  "https://www.amazon.com/gp/css/order-history",
			body: `<html><body><form action="/errors/validateCaptcha"></form></body></html>`,
			want: true,
		},
		{
			name: "ordinary order page",
			url:  "https://www.amazon.com/gp/css/order-history",
			body: `<html><body><form action="/s"><input name="k"/></form><div id="ordersContainer"></div></body></html>`,
			want: false,
		},
		{
			name: "no body",
			url:  "https://www.amazon.com/gp/your-account/order-details?orderID=1",
			want: false,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Detect(tc.url, []byte(tc.body)))
		})
	}
}

func TestIsSignInURLInvalid(t *testing.T) {
	t.Parallel()

	assert.False(t, IsSignInURL(""))
	assert.False(t, IsSignInURL("://bad"))
}

package collyfetcher

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// cookieRecord mirrors the JSON exported by common browser cookie tools.
type cookieRecord struct {
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Domain         string  `json:"domain"`
	Path           string  `json:"path"`
	Secure         bool    `json:"secure"`
	HTTPOnly       bool    `json:"httpOnly"`
	ExpirationDate float64 `json:"expirationDate"`
}

// LoadCookies reads a JSON array of cookies exported from a signed-in browser.
func LoadCookies(path string) ([]*http.Cookie, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied cookie file.
	if err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	return ParseCookies(data)
}

// ParseCookies decodes exported cookie JSON.
func ParseCookies(data []byte) ([]*http.Cookie, error) {
	var records []cookieRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode cookies: %w", err)
	}
	cookies := make([]*http.Cookie, 0, len(records))
	for _, rec := range records {
		if rec.Name == "" {
			continue
		}
		cookie := &http.Cookie{
			Name:     rec.Name,
			Value:    rec.Value,
			Domain:   rec.Domain,
			Path:     rec.Path,
			Secure:   rec.Secure,
			HttpOnly: rec.HTTPOnly,
		}
		if rec.ExpirationDate > 0 {
			cookie.Expires = time.Unix(int64(rec.ExpirationDate), 0).UTC()
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

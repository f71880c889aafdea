package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"html"
	"net/url"
	"regexp"
	"strings"
)

// sigBytes is the truncated MAC length carried in click links.
const sigBytes = 16

// Tracker builds the open-pixel and click links embedded in messages. Click
// links carry a MAC over the tracking id and target, so the redirect endpoint
// only follows links this service issued.
type Tracker struct {
	baseURL string
	key     []byte
}

// NewTracker creates a Tracker for links under baseURL signed with key.
func NewTracker(baseURL string, key []byte) (*Tracker, error) {
	if baseURL == "" {
		return nil, errors.New("channel: tracking base url is empty")
	}
	if len(key) == 0 {
		return nil, errors.New("channel: tracking link key is empty")
	}
	return &Tracker{baseURL: strings.TrimRight(baseURL, "/"), key: key}, nil
}

// ClickURL builds the signed redirecting link for target.
func (t *Tracker) ClickURL(trackingID, target string) string {
	q := url.Values{}
	q.Set("url", target)
	q.Set("sig", t.sign(trackingID, target))
	return t.baseURL + "/t/" + url.PathEscape(trackingID) + "/click?" + q.Encode()
}

// OpenPixelURL builds the open-tracking pixel URL for a message.
func (t *Tracker) OpenPixelURL(trackingID string) string {
	return t.baseURL + "/t/" + url.PathEscape(trackingID) + "/open.gif"
}

// Verify reports whether sig was issued for this tracking id and target.
func (t *Tracker) Verify(trackingID, target, sig string) bool {
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, t.mac(trackingID, target))
}

func (t *Tracker) sign(trackingID, target string) string {
	return base64.RawURLEncoding.EncodeToString(t.mac(trackingID, target))
}

func (t *Tracker) mac(trackingID, target string) []byte {
	m := hmac.New(sha256.New, t.key)
	m.Write([]byte(trackingID))
	m.Write([]byte{0})
	m.Write([]byte(target))
	return m.Sum(nil)[:sigBytes]
}

var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// wrapLinks points every absolute http(s) href in an HTML body at the
// click-tracking endpoint.
func (t *Tracker) wrapLinks(body, trackingID string) string {
	return hrefPattern.ReplaceAllStringFunc(body, func(attr string) string {
		target := html.UnescapeString(hrefPattern.FindStringSubmatch(attr)[1])
		return `href="` + html.EscapeString(t.ClickURL(trackingID, target)) + `"`
	})
}

func (t *Tracker) pixel(trackingID string) string {
	return `<img src="` + html.EscapeString(t.OpenPixelURL(trackingID)) +
		`" width="1" height="1" alt="" style="display:none">`
}

package federation

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/segment-chat/segment/cache"
	"github.com/segment-chat/segment/crypto"
	"github.com/segment-chat/segment/models"
)

// TrustPolicy answers "which key speaks for this host". The default is
// trust-on-first-use through the Directory; a stricter policy (pinning,
// web-of-trust) can be substituted without touching the protocol handlers.
type TrustPolicy interface {
	ServerKey(ctx context.Context, host string) (*rsa.PublicKey, error)
}

const (
	requestTimeout = 5 * time.Second
	maxRedirects   = 2

	// Denylist entries with this prefix are compiled as regular expressions;
	// all others match by substring.
	regexEntryPrefix = "regex:"
)

// Directory fetches and verifies remote hosts' server keys and their
// users' device keys. It implements TrustPolicy with trust-on-first-use:
// a host's self-signed key response is accepted on first contact and
// cached with a TTL.
type Directory struct {
	httpClient *http.Client
	segCache   cache.SegmentCache
	blocklist  []string
	scheme     string
}

func NewDirectory(segCache cache.SegmentCache, blocklist []string, insecureHTTP bool) *Directory {
	scheme := "https"
	if insecureHTTP {
		scheme = "http"
	}
	return &Directory{
		httpClient: newFederationHTTPClient(),
		segCache:   segCache,
		blocklist:  blocklist,
		scheme:     scheme,
	}
}

func newFederationHTTPClient() *http.Client {
	return &http.Client{
		Timeout: requestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// ShouldBlockRequest checks a host against the denylist before any
// network I/O happens.
func (d *Directory) ShouldBlockRequest(host string) bool {
	for _, entry := range d.blocklist {
		if strings.HasPrefix(entry, regexEntryPrefix) {
			pattern := entry[len(regexEntryPrefix):]
			matched, err := regexp.MatchString(pattern, host)
			if err == nil && matched {
				return true
			}
			continue
		}
		if strings.Contains(host, entry) {
			return true
		}
	}
	return false
}

// ServerKey implements TrustPolicy.
func (d *Directory) ServerKey(ctx context.Context, host string) (*rsa.PublicKey, error) {
	if d.segCache != nil {
		pemStr, err := d.segCache.GetServerKey(ctx, host)
		if err == nil && pemStr != "" {
			if pub, parseErr := crypto.ParsePublicKey(pemStr); parseErr == nil {
				return pub, nil
			}
			// Unparseable cache entry: drop it and refetch
			_ = d.segCache.InvalidateServerKey(ctx, host)
		}
	}

	pemStr, err := d.FetchServerKey(ctx, host)
	if err != nil {
		return nil, err
	}
	pub, err := crypto.ParsePublicKey(pemStr)
	if err != nil {
		return nil, models.NewApiError(models.MsgInvalidKeys)
	}

	if d.segCache != nil {
		_ = d.segCache.SetServerKey(ctx, host, pemStr)
	}
	return pub, nil
}

type serverKeyData struct {
	PublicKey string `json:"publicKey"`
}

// FetchServerKey GETs a remote host's server public key from its
// discovery path. The response envelope is signed by the very key it
// carries: acceptance is trust-on-first-use by design.
func (d *Directory) FetchServerKey(ctx context.Context, host string) (string, error) {
	if d.ShouldBlockRequest(host) {
		return "", models.NewApiError(models.MsgHostBlocked)
	}

	resp, err := d.getJSON(ctx, host, "/server/keys", nil)
	if err != nil {
		return "", models.NewApiError(models.MsgHostOffline)
	}
	if resp.Status != models.StatusOK || resp.Data == nil {
		return "", models.NewApiError(models.MsgInvalidKeys)
	}

	var data serverKeyData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", models.NewApiError(models.MsgInvalidKeys)
	}

	pub, err := crypto.ParsePublicKey(data.PublicKey)
	if err != nil {
		return "", models.NewApiError(models.MsgInvalidKeys)
	}
	if !verifyWireResponse(pub, resp) {
		return "", models.NewApiError(models.MsgInvalidKeys)
	}

	return data.PublicKey, nil
}

// FetchUserKeys fetches a remote user's device keys. The host vouches for
// its own users by signing the directory response with its server key, so
// the envelope is verified against that key, not the user's.
func (d *Directory) FetchUserKeys(ctx context.Context, host string, userId string, includeDeprecated bool, sinceTimestamp string) ([]models.UserKeys, error) {
	if d.ShouldBlockRequest(host) {
		return nil, models.NewApiError(models.MsgHostBlocked)
	}

	serverKey, err := d.ServerKey(ctx, host)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	if includeDeprecated {
		query.Set("deprecated", "true")
	}
	if sinceTimestamp != "" {
		query.Set("timestamp", sinceTimestamp)
	}

	resp, err := d.getJSON(ctx, host, "/server/keys/"+url.PathEscape(userId), query)
	if err != nil {
		return nil, models.NewApiError(models.MsgHostOffline)
	}
	if resp.Status != models.StatusOK || resp.Data == nil {
		return nil, models.NewApiError(models.MsgInvalidKeys)
	}
	if !verifyWireResponse(serverKey, resp) {
		return nil, models.NewApiError(models.MsgInvalidKeys)
	}

	var keys []models.UserKeys
	if err := json.Unmarshal(resp.Data, &keys); err != nil {
		return nil, models.NewApiError(models.MsgInvalidKeys)
	}
	return keys, nil
}

func (d *Directory) getJSON(ctx context.Context, host string, path string, query url.Values) (*models.WireResponse, error) {
	target := d.scheme + "://" + host + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	httpResp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	var resp models.WireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed response from %s: %w", host, err)
	}
	return &resp, nil
}

// verifyWireResponse recomputes the canonical hash of the raw data and
// checks the response signature against it. The transmitted payload is
// never trusted directly.
func verifyWireResponse(pub *rsa.PublicKey, resp *models.WireResponse) bool {
	if resp.Signature == "" || resp.Data == nil {
		return false
	}
	payload, err := crypto.Payload(resp.Data)
	if err != nil {
		return false
	}
	return crypto.Verify(pub, payload, resp.Signature)
}

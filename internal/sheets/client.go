// Package sheets fetches the raw valuation grid from the Google Sheets
// values API, authenticating with a short-lived service-account token
// exchange (RS256-signed JWT assertion against the OAuth token endpoint).
package sheets

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gabriel-zp/zaifinancialctrl/internal/core"
)

const (
	defaultBaseURL  = "https://sheets.googleapis.com"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	readonlyScope   = "https://www.googleapis.com/auth/spreadsheets.readonly"
	assertionGrant  = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// Config describes one spreadsheet source.
type Config struct {
	SpreadsheetID       string
	RangeA1             string
	TabName             string
	ServiceAccountEmail string
	// ServiceAccountKey is the PKCS#8 private key in PEM form.
	ServiceAccountKey string

	// BaseURL and TokenURL override the Google endpoints in tests.
	BaseURL  string
	TokenURL string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// Client reads one configured spreadsheet range.
type Client struct {
	cfg  Config
	key  *rsa.PrivateKey
	http *http.Client
}

// New parses the service-account key and returns a ready client.
func New(cfg Config) (*Client, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.ServiceAccountKey))
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, key: key, http: httpClient}, nil
}

// SheetID returns the configured spreadsheet id.
func (c *Client) SheetID() string { return c.cfg.SpreadsheetID }

// TabName returns the sheet tab recorded with snapshots.
func (c *Client) TabName() string { return c.cfg.TabName }

// RangeA1 returns the configured A1 range.
func (c *Client) RangeA1() string { return c.cfg.RangeA1 }

// Fetch reads the configured range with UNFORMATTED_VALUE rendering, so
// dates arrive as serial numbers and currency cells as plain floats.
func (c *Client) Fetch(ctx context.Context) ([][]core.Cell, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s?valueRenderOption=UNFORMATTED_VALUE",
		c.cfg.BaseURL, url.PathEscape(c.cfg.SpreadsheetID), url.PathEscape(c.cfg.RangeA1))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build values request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sheets read: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sheets read: %s: %s", res.Status, readBody(res.Body))
	}

	var payload struct {
		Values [][]core.Cell `json:"values"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode sheet values: %w", err)
	}
	return payload.Values, nil
}

// accessToken exchanges a signed assertion for a bearer token. Tokens are
// requested per fetch; one sync run performs exactly one fetch, so there
// is nothing worth caching.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   c.cfg.ServiceAccountEmail,
		"scope": readonlyScope,
		"aud":   c.cfg.TokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign token assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {assertionGrant},
		"assertion":  {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("oauth token exchange: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oauth token exchange: %s: %s", res.Status, readBody(res.Body))
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("oauth token exchange: empty access_token")
	}
	return token.AccessToken, nil
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return strings.TrimSpace(string(b))
}

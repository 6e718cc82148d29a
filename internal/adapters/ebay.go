package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crosspost/internal/models"

	"golang.org/x/oauth2"
)

// EbayAdapter uses eBay's Sell Inventory API. Unlike the other platforms the
// session is an OAuth2 token pair; the http client refreshes expired access
// tokens transparently from the account's refresh token.
type EbayAdapter struct {
	baseURL string
	oauth   *oauth2.Config
	timeout time.Duration
}

func NewEbayAdapter(baseURL string, oauthCfg *oauth2.Config, timeout time.Duration) *EbayAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EbayAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		oauth:   oauthCfg,
		timeout: timeout,
	}
}

func (a *EbayAdapter) Platform() string { return models.PlatformEbay }

func (a *EbayAdapter) Post(ctx context.Context, content models.AdContent, account *models.PlatformAccount, idempotencyKey string) Result {
	payload := map[string]any{
		"sku":   idempotencyKey,
		"title": content.Title,
		"description": content.Description,
		"price": map[string]any{
			"value":    fmt.Sprintf("%.2f", content.Price),
			"currency": "USD",
		},
		"categoryId": content.Category,
		"location":   content.Location,
		"imageUrls":  content.Images,
	}
	resp, err := a.doJSON(ctx, account, http.MethodPost, "/sell/inventory/v1/offer", payload)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	if res := a.classify(resp, body); !res.Success() {
		return res
	}

	var offer struct {
		OfferID    string `json:"offerId"`
		ListingURL string `json:"listingUrl"`
	}
	if err := json.Unmarshal(body, &offer); err != nil || offer.OfferID == "" {
		return contractViolation("ebay offer response missing offer id: %v", err)
	}
	return success(offer.OfferID, offer.ListingURL)
}

func (a *EbayAdapter) Delist(ctx context.Context, externalID string, account *models.PlatformAccount) Result {
	resp, err := a.doJSON(ctx, account, http.MethodPost, "/sell/inventory/v1/offer/"+url.PathEscape(externalID)+"/withdraw", nil)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	if resp.StatusCode == http.StatusNotFound {
		return Result{Class: ClassSuccess, ExternalID: externalID}
	}
	if res := a.classify(resp, body); !res.Success() {
		return res
	}
	return Result{Class: ClassSuccess, ExternalID: externalID}
}

// Renew republishes the offer. eBay listings are GTC so a renew is a no-op
// server-side unless the offer lapsed, which republish repairs either way.
func (a *EbayAdapter) Renew(ctx context.Context, externalID string, account *models.PlatformAccount) Result {
	resp, err := a.doJSON(ctx, account, http.MethodPost, "/sell/inventory/v1/offer/"+url.PathEscape(externalID)+"/publish", nil)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	if res := a.classify(resp, body); !res.Success() {
		return res
	}
	return Result{Class: ClassSuccess, ExternalID: externalID}
}

func (a *EbayAdapter) FetchMetrics(ctx context.Context, externalID string, account *models.PlatformAccount) Result {
	resp, err := a.doJSON(ctx, account, http.MethodGet, "/sell/analytics/v1/offer/"+url.PathEscape(externalID)+"/traffic", nil)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	if res := a.classify(resp, body); !res.Success() {
		return res
	}

	var traffic struct {
		ListingViews   int64 `json:"listingViewsTotal"`
		ListingClicks  int64 `json:"clickThroughTotal"`
		WatchersOrMsgs int64 `json:"inquiriesTotal"`
	}
	if err := json.Unmarshal(body, &traffic); err != nil {
		return contractViolation("ebay traffic response: %v", err)
	}
	return Result{
		Class:      ClassSuccess,
		ExternalID: externalID,
		Metrics:    &Metrics{Views: traffic.ListingViews, Clicks: traffic.ListingClicks, Leads: traffic.WatchersOrMsgs},
	}
}

func (a *EbayAdapter) TestConnection(ctx context.Context, account *models.PlatformAccount) Result {
	resp, err := a.doJSON(ctx, account, http.MethodGet, "/sell/account/v1/privilege", nil)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	return a.classify(resp, body)
}

// ebayError is the error list eBay APIs return alongside non-2xx statuses.
type ebayError struct {
	Errors []struct {
		ErrorID int    `json:"errorId"`
		Domain  string `json:"domain"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (a *EbayAdapter) classify(resp *http.Response, body []byte) Result {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Class: ClassSuccess}
	}

	var envelope ebayError
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Errors) > 0 {
		first := envelope.Errors[0]
		switch first.ErrorID {
		case 1001, 1002: // invalid or expired token
			return Result{Class: ClassAuthFailure, Message: first.Message}
		case 1100: // account restricted
			return Result{Class: ClassAccountBlocked, Message: first.Message}
		case 2001: // request limit reached
			return Result{Class: ClassRateLimited, Message: first.Message}
		case 25002, 25707: // listing policy violations
			return Result{Class: ClassPolicyRejected, Message: first.Message}
		}
	}
	return classifyHTTP(resp, body)
}

func (a *EbayAdapter) doJSON(ctx context.Context, account *models.PlatformAccount, method, path string, payload any) (*http.Response, error) {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.httpClient(ctx, account).Do(req)
}

// httpClient wraps the account token in an oauth2 transport so an expired
// access token is refreshed in-flight instead of surfacing as auth_failure.
func (a *EbayAdapter) httpClient(ctx context.Context, account *models.PlatformAccount) *http.Client {
	token := &oauth2.Token{
		AccessToken:  account.Credentials.AccessToken,
		RefreshToken: account.Credentials.Extra["refresh_token"],
	}
	if expiry := account.Credentials.Extra["token_expiry"]; expiry != "" {
		if t, err := time.Parse(time.RFC3339, expiry); err == nil {
			token.Expiry = t
		}
	}

	var client *http.Client
	if a.oauth != nil {
		client = a.oauth.Client(ctx, token)
	} else {
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))
	}
	client.Timeout = a.timeout
	return client
}

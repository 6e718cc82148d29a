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
)

// OfferUpAdapter speaks OfferUp's JSON API. The base URL is injected so
// tests and staging can point it anywhere.
type OfferUpAdapter struct {
	baseURL string
	client  *http.Client
}

func NewOfferUpAdapter(baseURL string, timeout time.Duration) *OfferUpAdapter {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &OfferUpAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *OfferUpAdapter) Platform() string { return models.PlatformOfferUp }

func (a *OfferUpAdapter) Post(ctx context.Context, content models.AdContent, account *models.PlatformAccount, idempotencyKey string) Result {
	payload := map[string]any{
		"title":       content.Title,
		"description": content.Description,
		"price":       content.Price,
		"category":    content.Category,
		"location":    content.Location,
		"photos":      content.Images,
	}
	req, err := a.newJSONRequest(ctx, http.MethodPost, "/api/v1/items", payload, account)
	if err != nil {
		return transient("build request: %v", err)
	}
	// OfferUp honors idempotency keys on item creation; a replayed key
	// returns the original item instead of a duplicate.
	req.Header.Set("X-Idempotency-Key", idempotencyKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	if res := classifyHTTP(resp, body); !res.Success() {
		return res
	}

	var item struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &item); err != nil || item.ID == "" {
		return contractViolation("offerup post response missing item id: %v", err)
	}
	return success(item.ID, item.URL)
}

func (a *OfferUpAdapter) Delist(ctx context.Context, externalID string, account *models.PlatformAccount) Result {
	req, err := a.newJSONRequest(ctx, http.MethodDelete, "/api/v1/items/"+url.PathEscape(externalID), nil, account)
	if err != nil {
		return transient("build request: %v", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	// A 404 on delete means the listing is already gone; that is the
	// desired end state, not a failure.
	if resp.StatusCode == http.StatusNotFound {
		return Result{Class: ClassSuccess, ExternalID: externalID}
	}
	if res := classifyHTTP(resp, body); !res.Success() {
		return res
	}
	return Result{Class: ClassSuccess, ExternalID: externalID}
}

func (a *OfferUpAdapter) Renew(ctx context.Context, externalID string, account *models.PlatformAccount) Result {
	req, err := a.newJSONRequest(ctx, http.MethodPost, "/api/v1/items/"+url.PathEscape(externalID)+"/bump", nil, account)
	if err != nil {
		return transient("build request: %v", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	if res := classifyHTTP(resp, body); !res.Success() {
		return res
	}
	return Result{Class: ClassSuccess, ExternalID: externalID}
}

func (a *OfferUpAdapter) FetchMetrics(ctx context.Context, externalID string, account *models.PlatformAccount) Result {
	req, err := a.newJSONRequest(ctx, http.MethodGet, "/api/v1/items/"+url.PathEscape(externalID)+"/stats", nil, account)
	if err != nil {
		return transient("build request: %v", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	if res := classifyHTTP(resp, body); !res.Success() {
		return res
	}

	var stats struct {
		Views  int64 `json:"views"`
		Clicks int64 `json:"clicks"`
		Leads  int64 `json:"messages"` // OfferUp counts buyer messages
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		return contractViolation("offerup stats response: %v", err)
	}
	return Result{
		Class:      ClassSuccess,
		ExternalID: externalID,
		Metrics:    &Metrics{Views: stats.Views, Clicks: stats.Clicks, Leads: stats.Leads},
	}
}

func (a *OfferUpAdapter) TestConnection(ctx context.Context, account *models.PlatformAccount) Result {
	req, err := a.newJSONRequest(ctx, http.MethodGet, "/api/v1/me", nil, account)
	if err != nil {
		return transient("build request: %v", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	return classifyHTTP(resp, body)
}

func (a *OfferUpAdapter) newJSONRequest(ctx context.Context, method, path string, payload any, account *models.PlatformAccount) (*http.Request, error) {
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
	req.Header.Set("Authorization", "Bearer "+account.Credentials.AccessToken)
	return req, nil
}

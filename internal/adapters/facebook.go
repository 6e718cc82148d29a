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

// FacebookAdapter talks to the Marketplace Graph-style API. Facebook signals
// account restrictions in a structured error object rather than the HTTP
// status alone, so responses are inspected before generic classification.
type FacebookAdapter struct {
	baseURL string
	client  *http.Client
}

func NewFacebookAdapter(baseURL string, timeout time.Duration) *FacebookAdapter {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &FacebookAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *FacebookAdapter) Platform() string { return models.PlatformFacebook }

// fbError is the structured error envelope Facebook wraps failures in.
type fbError struct {
	Error struct {
		Message   string `json:"message"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		Transient bool   `json:"is_transient"`
	} `json:"error"`
}

func (a *FacebookAdapter) Post(ctx context.Context, content models.AdContent, account *models.PlatformAccount, idempotencyKey string) Result {
	payload := map[string]any{
		"name":         content.Title,
		"description":  content.Description,
		"price":        content.Price,
		"category":     content.Category,
		"location":     content.Location,
		"image_urls":   content.Images,
		"client_token": idempotencyKey,
	}
	resp, err := a.doJSON(ctx, http.MethodPost, "/marketplace/listings", payload, account)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	if res := a.classify(resp, body); !res.Success() {
		return res
	}

	var listing struct {
		ID        string `json:"id"`
		Permalink string `json:"permalink_url"`
	}
	if err := json.Unmarshal(body, &listing); err != nil || listing.ID == "" {
		return contractViolation("facebook post response missing listing id: %v", err)
	}
	return success(listing.ID, listing.Permalink)
}

func (a *FacebookAdapter) Delist(ctx context.Context, externalID string, account *models.PlatformAccount) Result {
	resp, err := a.doJSON(ctx, http.MethodDelete, "/marketplace/listings/"+url.PathEscape(externalID), nil, account)
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

func (a *FacebookAdapter) Renew(ctx context.Context, externalID string, account *models.PlatformAccount) Result {
	payload := map[string]any{"action": "renew"}
	resp, err := a.doJSON(ctx, http.MethodPost, "/marketplace/listings/"+url.PathEscape(externalID), payload, account)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	if res := a.classify(resp, body); !res.Success() {
		return res
	}
	return Result{Class: ClassSuccess, ExternalID: externalID}
}

func (a *FacebookAdapter) FetchMetrics(ctx context.Context, externalID string, account *models.PlatformAccount) Result {
	resp, err := a.doJSON(ctx, http.MethodGet, "/marketplace/listings/"+url.PathEscape(externalID)+"/insights", nil, account)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	if res := a.classify(resp, body); !res.Success() {
		return res
	}

	var insights struct {
		Impressions int64 `json:"impressions"`
		Clicks      int64 `json:"clicks"`
		Inquiries   int64 `json:"inquiries"`
	}
	if err := json.Unmarshal(body, &insights); err != nil {
		return contractViolation("facebook insights response: %v", err)
	}
	return Result{
		Class:      ClassSuccess,
		ExternalID: externalID,
		Metrics:    &Metrics{Views: insights.Impressions, Clicks: insights.Clicks, Leads: insights.Inquiries},
	}
}

func (a *FacebookAdapter) TestConnection(ctx context.Context, account *models.PlatformAccount) Result {
	resp, err := a.doJSON(ctx, http.MethodGet, "/me", nil, account)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	return a.classify(resp, body)
}

// classify layers Facebook's error envelope over the generic HTTP mapping.
// Code 368 is the "temporarily blocked from marketplace" restriction; the
// is_transient flag overrides status-based classification.
func (a *FacebookAdapter) classify(resp *http.Response, body []byte) Result {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Class: ClassSuccess}
	}

	var envelope fbError
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != 0 {
		switch {
		case envelope.Error.Transient:
			return transient("facebook transient error %d: %s", envelope.Error.Code, envelope.Error.Message)
		case envelope.Error.Code == 368 || envelope.Error.Code == 190 && envelope.Error.Subcode == 459:
			return Result{Class: ClassAccountBlocked, Message: envelope.Error.Message}
		case envelope.Error.Code == 190:
			return Result{Class: ClassAuthFailure, Message: envelope.Error.Message}
		case envelope.Error.Code == 4 || envelope.Error.Code == 17 || envelope.Error.Code == 32:
			return Result{Class: ClassRateLimited, Message: envelope.Error.Message}
		}
	}
	return classifyHTTP(resp, body)
}

func (a *FacebookAdapter) doJSON(ctx context.Context, method, path string, payload any, account *models.PlatformAccount) (*http.Response, error) {
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
	return a.client.Do(req)
}

package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crosspost/internal/models"
)

// CraigslistAdapter posts through Craigslist's account endpoint, which is
// form-encoded rather than JSON and authenticates with email/password.
// Craigslist has no click tracking, so metrics report views only.
type CraigslistAdapter struct {
	baseURL string
	client  *http.Client
}

func NewCraigslistAdapter(baseURL string, timeout time.Duration) *CraigslistAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CraigslistAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *CraigslistAdapter) Platform() string { return models.PlatformCraigslist }

func (a *CraigslistAdapter) Post(ctx context.Context, content models.AdContent, account *models.PlatformAccount, idempotencyKey string) Result {
	form := url.Values{}
	form.Set("PostingTitle", content.Title)
	form.Set("PostingBody", content.Description)
	form.Set("Ask", formatPrice(content.Price))
	form.Set("Category", content.Category)
	form.Set("GeographicArea", content.Location)
	form.Set("ClientToken", idempotencyKey)
	for i, img := range content.Images {
		if i >= 24 { // craigslist image cap
			break
		}
		form.Add("ImageURL", img)
	}

	resp, err := a.postForm(ctx, "/postings", form, account)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	if res := classifyHTTP(resp, body); !res.Success() {
		return res
	}

	var posted struct {
		PostingID string `json:"posting_id"`
		URL       string `json:"url"`
	}
	if err := json.Unmarshal(body, &posted); err != nil || posted.PostingID == "" {
		return contractViolation("craigslist post response missing posting id: %v", err)
	}
	return success(posted.PostingID, posted.URL)
}

func (a *CraigslistAdapter) Delist(ctx context.Context, externalID string, account *models.PlatformAccount) Result {
	form := url.Values{}
	form.Set("action", "delete")
	resp, err := a.postForm(ctx, "/postings/"+url.PathEscape(externalID)+"/manage", form, account)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	if resp.StatusCode == http.StatusNotFound {
		return Result{Class: ClassSuccess, ExternalID: externalID}
	}
	if res := classifyHTTP(resp, body); !res.Success() {
		return res
	}
	return Result{Class: ClassSuccess, ExternalID: externalID}
}

func (a *CraigslistAdapter) Renew(ctx context.Context, externalID string, account *models.PlatformAccount) Result {
	form := url.Values{}
	form.Set("action", "renew")
	resp, err := a.postForm(ctx, "/postings/"+url.PathEscape(externalID)+"/manage", form, account)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	// Craigslist refuses renewal of postings younger than its cadence with
	// a 409; the scheduler fires on cadence so treat a premature renew as
	// done rather than failed.
	if resp.StatusCode == http.StatusConflict {
		return Result{Class: ClassSuccess, ExternalID: externalID, Message: "not yet renewable"}
	}
	if res := classifyHTTP(resp, body); !res.Success() {
		return res
	}
	return Result{Class: ClassSuccess, ExternalID: externalID}
}

func (a *CraigslistAdapter) FetchMetrics(ctx context.Context, externalID string, account *models.PlatformAccount) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/postings/"+url.PathEscape(externalID), nil)
	if err != nil {
		return transient("build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(account.Credentials.Email, account.Credentials.Password)

	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	if res := classifyHTTP(resp, body); !res.Success() {
		return res
	}

	var posting struct {
		Views int64 `json:"view_count"`
	}
	if err := json.Unmarshal(body, &posting); err != nil {
		return contractViolation("craigslist posting response: %v", err)
	}
	return Result{
		Class:      ClassSuccess,
		ExternalID: externalID,
		Metrics:    &Metrics{Views: posting.Views},
	}
}

func (a *CraigslistAdapter) TestConnection(ctx context.Context, account *models.PlatformAccount) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/account", nil)
	if err != nil {
		return transient("build request: %v", err)
	}
	req.SetBasicAuth(account.Credentials.Email, account.Credentials.Password)
	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	body := readBody(resp)
	return classifyHTTP(resp, body)
}

func (a *CraigslistAdapter) postForm(ctx context.Context, path string, form url.Values, account *models.PlatformAccount) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(account.Credentials.Email, account.Credentials.Password)
	return a.client.Do(req)
}

// formatPrice renders whole-dollar asks without a fractional part, the way
// the posting form expects them.
func formatPrice(price float64) string {
	if price == float64(int64(price)) {
		return strconv.FormatInt(int64(price), 10)
	}
	return strconv.FormatFloat(price, 'f', 2, 64)
}

package catalogsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmdatafocus/catalog_sync/config"
	"github.com/mmdatafocus/catalog_sync/workflow"
)

// MarketplaceClient submits vendor catalogs to the marketplace import API.
// Calls are spaced by a fixed per-minute rate limit.
type MarketplaceClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func NewMarketplaceClient(s config.MarketplaceSettings) (*MarketplaceClient, error) {
	baseURL := strings.TrimSpace(s.BaseURL)
	if baseURL == "" {
		return nil, errors.New("marketplace base url is empty")
	}
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, errors.New("marketplace api key is empty")
	}
	header := strings.TrimSpace(s.APIKeyHeader)
	if header == "" {
		header = "X-API-Key"
	}
	perMin := s.RateLimitPerMin
	if perMin <= 0 {
		perMin = 10
	}
	return &MarketplaceClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    s.APIKey,
		apiKeyHdr: header,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(time.Minute / time.Duration(perMin)),
	}, nil
}

type SubmitRequest struct {
	VendorCode    string          `json:"vendorCode"`
	ChainCode     *string         `json:"chainCode,omitempty"`
	CorrelationId string          `json:"correlationId"`
	Catalog       json.RawMessage `json:"catalog,omitempty"`
}

type SubmitResponse struct {
	ImportId        string `json:"importId"`
	CatalogImportId string `json:"catalogImportId"`
	Status          string `json:"status"`
}

// SubmitCatalog posts a catalog import. Non-2xx responses come back as
// *workflow.HTTPStatusError so retry classification can inspect the status.
// A nil client fails every submission permanently.
func (c *MarketplaceClient) SubmitCatalog(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if c == nil {
		return SubmitResponse{}, workflow.Permanent("MARKETPLACE_NOT_CONFIGURED", nil)
	}
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return SubmitResponse{}, ctx.Err()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return SubmitResponse{}, err
	}
	endpoint := c.baseURL + "/vendors/" + url.PathEscape(req.VendorCode) + "/catalog-imports"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return SubmitResponse{}, err
	}
	httpReq.Header.Set(c.apiKeyHdr, c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Correlation-Id", req.CorrelationId)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return SubmitResponse{}, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SubmitResponse{}, &workflow.HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var parsed SubmitResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return SubmitResponse{}, err
		}
	}
	if parsed.ImportId == "" {
		parsed.ImportId = parsed.CatalogImportId
	}
	return parsed, nil
}

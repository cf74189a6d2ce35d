package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	futures "github.com/adshao/go-binance/v2/futures"
)

const successCode = "000000"

// DownloadOptionsSource queries the listing endpoint behind the Binance data
// download page. Its response carries the symbol list under data.symbolList
// next to metadata the sync does not use.
type DownloadOptionsSource struct {
	URL       string
	BizType   string
	ProductID int
	Client    *http.Client
}

type downloadOptionsRequest struct {
	BizType   string `json:"bizType"`
	ProductID int    `json:"productId"`
}

type downloadOptionsResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Success bool   `json:"success"`
	Data    struct {
		SymbolList []string `json:"symbolList"`
	} `json:"data"`
}

func (s *DownloadOptionsSource) Name() string { return "download_options" }

func (s *DownloadOptionsSource) Symbols(ctx context.Context) ([]string, error) {
	body, err := json.Marshal(downloadOptionsRequest{BizType: s.BizType, ProductID: s.ProductID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("clienttype", "web")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out downloadOptionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Code != successCode || !out.Success {
		return nil, fmt.Errorf("listing rejected: code=%s success=%t message=%q", out.Code, out.Success, out.Message)
	}
	return out.Data.SymbolList, nil
}

// ExchangeInfoSource lists the futures symbols currently trading, through the
// go-binance futures client. Delisted symbols still have archives on the
// mirror but are not offered by this source.
type ExchangeInfoSource struct {
	Client *futures.Client
}

// NewExchangeInfoSource builds a source against the futures REST root, e.g.
// https://fapi.binance.com. An empty endpoint keeps the client default.
func NewExchangeInfoSource(endpoint string, httpClient *http.Client) *ExchangeInfoSource {
	client := futures.NewClient("", "")
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	if endpoint != "" {
		client.BaseURL = strings.TrimRight(endpoint, "/")
	}
	return &ExchangeInfoSource{Client: client}
}

func (s *ExchangeInfoSource) Name() string { return "exchange_info" }

func (s *ExchangeInfoSource) Symbols(ctx context.Context) ([]string, error) {
	info, err := s.Client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(info.Symbols))
	for _, sym := range info.Symbols {
		if sym.Status == "TRADING" {
			symbols = append(symbols, sym.Symbol)
		}
	}
	return symbols, nil
}

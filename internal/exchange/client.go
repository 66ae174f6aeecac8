package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a thin REST client for the exchange market-data endpoints.
// It is used to bootstrap the kline cache and to refresh ticker snapshots;
// live order placement goes through the executor's SDK client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new REST client against the given API base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetKlines fetches up to limit closed candlesticks for a symbol/interval.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, params.Encode())

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, len(rawKlines))
	for i, raw := range rawKlines {
		if len(raw) < 11 {
			continue
		}
		k := Kline{
			OpenTime:            int64(raw[0].(float64)),
			Open:                parseFloat(raw[1]),
			High:                parseFloat(raw[2]),
			Low:                 parseFloat(raw[3]),
			Close:               parseFloat(raw[4]),
			Volume:              parseFloat(raw[5]),
			CloseTime:           int64(raw[6].(float64)),
			QuoteVolume:         parseFloat(raw[7]),
			TradeCount:          int(raw[8].(float64)),
			TakerBuyVolume:      parseFloat(raw[9]),
			TakerBuyQuoteVolume: parseFloat(raw[10]),
			IsClosed:            true,
		}
		k.Enrich()
		klines[i] = k
	}

	// The last row may be the still-forming candle; its close time is in
	// the future. Callers only want closed candles.
	if n := len(klines); n > 0 && klines[n-1].CloseTime > time.Now().UnixMilli() {
		klines = klines[:n-1]
	}

	return klines, nil
}

// Get24hrTicker fetches the 24hr ticker for one symbol.
func (c *Client) Get24hrTicker(ctx context.Context, symbol string) (*Ticker24hr, error) {
	endpoint := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", c.baseURL, symbol)

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("error fetching ticker: %w", err)
	}

	var ticker Ticker24hr
	if err := json.Unmarshal(body, &ticker); err != nil {
		return nil, fmt.Errorf("error parsing ticker: %w", err)
	}

	return &ticker, nil
}

// GetCurrentPrice fetches the current price for a symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	endpoint := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", c.baseURL, symbol)

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	var priceResp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(body, &priceResp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}

	return priceResp.Price, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	return body, nil
}

package exchange

import "strconv"

// Kline represents a single closed (or in-progress) candlestick.
type Kline struct {
	OpenTime            int64   `json:"openTime"`
	Open                float64 `json:"open,string"`
	High                float64 `json:"high,string"`
	Low                 float64 `json:"low,string"`
	Close               float64 `json:"close,string"`
	Volume              float64 `json:"volume,string"`
	CloseTime           int64   `json:"closeTime"`
	QuoteVolume         float64 `json:"quoteVolume,string"`
	TradeCount          int     `json:"tradeCount"`
	TakerBuyVolume      float64 `json:"takerBuyVolume,string"`
	TakerBuyQuoteVolume float64 `json:"takerBuyQuoteVolume,string"`
	IsClosed            bool    `json:"isClosed"`

	// Enriched fields derived from the taker-buy split.
	BuyVolume   float64 `json:"buyVolume"`
	SellVolume  float64 `json:"sellVolume"`
	VolumeDelta float64 `json:"volumeDelta"`
}

// Enrich computes the buy/sell volume split from taker-buy volume.
func (k *Kline) Enrich() {
	k.BuyVolume = k.TakerBuyVolume
	k.SellVolume = k.Volume - k.TakerBuyVolume
	k.VolumeDelta = k.BuyVolume - k.SellVolume
}

// Ticker24hr represents 24hr ticker price change statistics.
type Ticker24hr struct {
	Symbol             string  `json:"symbol"`
	PriceChange        float64 `json:"priceChange,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	LastPrice          float64 `json:"lastPrice,string"`
	Volume             float64 `json:"volume,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
	OpenTime           int64   `json:"openTime"`
	CloseTime          int64   `json:"closeTime"`
}

// StreamEnvelope is the combined-stream frame wrapper:
// {"stream":"btcusdt@kline_1m","data":{...}}
type StreamEnvelope struct {
	Stream string      `json:"stream"`
	Data   KlineEvent  `json:"data"`
}

// KlineEvent is the kline stream payload inside a combined-stream frame.
type KlineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     KlinePayload `json:"k"`
}

// KlinePayload carries the single-letter kline fields of the exchange feed.
type KlinePayload struct {
	OpenTime            int64  `json:"t"`
	CloseTime           int64  `json:"T"`
	Symbol              string `json:"s"`
	Interval            string `json:"i"`
	Open                string `json:"o"`
	Close               string `json:"c"`
	High                string `json:"h"`
	Low                 string `json:"l"`
	Volume              string `json:"v"`
	TradeCount          int    `json:"n"`
	IsClosed            bool   `json:"x"`
	QuoteVolume         string `json:"q"`
	TakerBuyVolume      string `json:"V"`
	TakerBuyQuoteVolume string `json:"Q"`
}

// ToKline converts the wire payload to a Kline with enriched volume fields.
func (p *KlinePayload) ToKline() Kline {
	k := Kline{
		OpenTime:            p.OpenTime,
		CloseTime:           p.CloseTime,
		Open:                parseFloat(p.Open),
		High:                parseFloat(p.High),
		Low:                 parseFloat(p.Low),
		Close:               parseFloat(p.Close),
		Volume:              parseFloat(p.Volume),
		QuoteVolume:         parseFloat(p.QuoteVolume),
		TradeCount:          p.TradeCount,
		TakerBuyVolume:      parseFloat(p.TakerBuyVolume),
		TakerBuyQuoteVolume: parseFloat(p.TakerBuyQuoteVolume),
		IsClosed:            p.IsClosed,
	}
	k.Enrich()
	return k
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}

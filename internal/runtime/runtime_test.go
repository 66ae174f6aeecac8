package runtime

import (
	"context"
	"testing"
	"time"

	"crypto-signal-pipeline/internal/exchange"
	"crypto-signal-pipeline/internal/market"
	"crypto-signal-pipeline/internal/store"
)

func testContext(closes ...float64) *EvalContext {
	ks := make([]exchange.Kline, len(closes))
	for i, c := range closes {
		ks[i] = exchange.Kline{
			OpenTime: int64(i) * 60000,
			Open:     c, High: c, Low: c, Close: c,
			Volume: 100, CloseTime: int64(i+1)*60000 - 1, IsClosed: true,
		}
	}
	last := 0.0
	if len(closes) > 0 {
		last = closes[len(closes)-1]
	}
	return &EvalContext{
		Symbol:          "BTCUSDT",
		Ticker:          market.Ticker{Symbol: "BTCUSDT", LastPrice: last},
		Candles:         map[string][]exchange.Kline{"1m": ks},
		TriggerInterval: "1m",
		Now:             time.UnixMilli(int64(len(closes)) * 60000),
	}
}

func scriptStrategy(id, source string) *store.Strategy {
	return &store.Strategy{
		ID:           id,
		FilterSource: source,
		Language:     store.LanguageScript,
	}
}

func TestScriptFilterBoolean(t *testing.T) {
	rt := New(0)
	ctx := context.Background()

	tests := []struct {
		name   string
		source string
		closes []float64
		want   bool
	}{
		{
			name:   "price above sma matches",
			source: `price() > sma("1m", 3)`,
			closes: []float64{10, 10, 16},
			want:   true,
		},
		{
			name:   "price below sma no match",
			source: `price() > sma("1m", 3)`,
			closes: []float64{16, 16, 10},
			want:   false,
		},
		{
			name:   "not-ready indicator is null and coerces false",
			source: `sma("1m", 50) !== null && price() > sma("1m", 50)`,
			closes: []float64{10, 11},
			want:   false,
		},
		{
			name:   "candle vector access",
			source: `candles["1m"][candles["1m"].length - 1].close > candles["1m"][0].close`,
			closes: []float64{10, 20},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := rt.Compile(scriptStrategy("s-"+tt.name, tt.source))
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			got, err := rt.Run(ctx, h, testContext(tt.closes...))
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScriptFibonacciAndPivots(t *testing.T) {
	rt := New(0)
	ctx := context.Background()

	// Swing from 10 to 20: the 50% retracement sits at 15.
	ec := &EvalContext{
		Symbol: "BTCUSDT",
		Candles: map[string][]exchange.Kline{"1m": {
			{OpenTime: 0, Open: 10, High: 10, Low: 10, Close: 10, CloseTime: 59999, IsClosed: true},
			{OpenTime: 60000, Open: 20, High: 20, Low: 20, Close: 20, CloseTime: 119999, IsClosed: true},
		}},
		TriggerInterval: "1m",
		Now:             time.UnixMilli(120000),
	}

	h, err := rt.Compile(scriptStrategy("s-fib", `fibonacci("1m", 2).level_500 === 15`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got, err := rt.Run(ctx, h, ec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !got {
		t.Error("fibonacci 50% level of a 10-20 swing must be 15")
	}

	// Pivots come from the last closed candle: H=L=C=20 -> pivot 20, R1 20.
	h, err = rt.Compile(scriptStrategy("s-piv", `pivot_points("1m").pivot === 20 && pivot_points("1m").r1 === 20`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got, err = rt.Run(ctx, h, ec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !got {
		t.Error("pivot of a flat 20 candle must be 20")
	}

	// Not ready on an empty vector: both come back null.
	empty := &EvalContext{
		Symbol:          "BTCUSDT",
		Candles:         map[string][]exchange.Kline{"1m": nil},
		TriggerInterval: "1m",
		Now:             time.UnixMilli(0),
	}
	h, err = rt.Compile(scriptStrategy("s-fib-nr", `fibonacci("1m", 2) === null && pivot_points("1m") === null`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got, err = rt.Run(ctx, h, empty)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !got {
		t.Error("fibonacci/pivot_points must be null before warm-up")
	}
}

func TestScriptErrorIsNonMatch(t *testing.T) {
	rt := New(0)
	h, err := rt.Compile(scriptStrategy("s-err", `undefinedFunction()`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	got, err := rt.Run(context.Background(), h, testContext(10, 11))
	if got {
		t.Error("thrown error must evaluate as non-match")
	}
	if err == nil {
		t.Error("thrown error must be surfaced for the error counter")
	}
}

func TestScriptDeadline(t *testing.T) {
	rt := New(20 * time.Millisecond)
	h, err := rt.Compile(scriptStrategy("s-loop", `while (true) {}`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	start := time.Now()
	got, err := rt.Run(context.Background(), h, testContext(10))
	if got {
		t.Error("timed-out filter must be a non-match")
	}
	if err == nil {
		t.Error("timeout must count as an error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("interrupt took %v", elapsed)
	}
}

func TestScriptHasNoDate(t *testing.T) {
	rt := New(0)
	h, err := rt.Compile(scriptStrategy("s-date", `typeof Date === "undefined" && now() > 0`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got, err := rt.Run(context.Background(), h, testContext(10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !got {
		t.Error("Date must be removed and now() supplied by the host")
	}
}

func TestCompileSyntaxError(t *testing.T) {
	rt := New(0)
	if _, err := rt.Compile(scriptStrategy("s-bad", `this is not javascript`)); err == nil {
		t.Error("expected compile error")
	}
}

func TestCompileCacheReuse(t *testing.T) {
	rt := New(0)
	s := scriptStrategy("s-cache", `true`)

	h1, err := rt.Compile(s)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := rt.Compile(s)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("unchanged source must hit the compile cache")
	}

	s.FilterSource = `false`
	h3, err := rt.Compile(s)
	if err != nil {
		t.Fatal(err)
	}
	if h3 == h1 {
		t.Error("changed source must recompile")
	}
}

func TestNativeFilter(t *testing.T) {
	rt := New(0)
	s := &store.Strategy{ID: "n1", Language: store.LanguageNative, FilterSource: "price_above_sma20"}

	h, err := rt.Compile(s)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	closes := make([]float64, 21)
	for i := range closes {
		closes[i] = 100
	}
	closes[20] = 150 // last close well above the flat SMA
	got, err := rt.Run(context.Background(), h, testContext(closes...))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !got {
		t.Error("expected native filter match")
	}
}

func TestNativeUnknownFilter(t *testing.T) {
	rt := New(0)
	s := &store.Strategy{ID: "n2", Language: store.LanguageNative, FilterSource: "no_such_filter"}
	if _, err := rt.Compile(s); err == nil {
		t.Error("expected unknown-filter error")
	}
}

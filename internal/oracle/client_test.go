package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-signal-pipeline/internal/store"
)

func TestDecideParsesReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte("DECISION: ENTER\nCONFIDENCE: 0.8\nENTRY: 50000\nSTOP_LOSS: 49000\nTAKE_PROFIT: 52000"))
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second)
	d, err := c.Decide(context.Background(), &Request{SignalID: "sig-1", Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, "sig-1", d.SignalID)
	assert.Equal(t, store.DecisionEnter, d.Kind)
	require.NotNil(t, d.TradePlan)
	assert.Equal(t, 49000.0, d.TradePlan.StopLoss)
}

func TestDecideStatusErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second)
	_, err := c.Decide(context.Background(), &Request{SignalID: "sig-1"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "status errors are not transport errors")
}

func TestDecideRetriesTransportErrorOnce(t *testing.T) {
	// A server that is not listening produces a dial (transport) error.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := NewClient(url, 500*time.Millisecond)
	_, err := c.Decide(context.Background(), &Request{SignalID: "sig-1"})
	require.Error(t, err, "both attempts fail against a closed server")
}

func TestDecideTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() { close(release); server.Close() }()

	c := NewClient(server.URL, 100*time.Millisecond)
	start := time.Now()
	_, err := c.Decide(context.Background(), &Request{SignalID: "sig-1"})
	require.Error(t, err)
	// One timeout plus one retry, bounded well under the 30s contract.
	assert.Less(t, time.Since(start), 2*time.Second)
}

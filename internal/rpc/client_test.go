package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testOptions() Options {
	return Options{
		Retries:        1,
		RetryBaseDelay: time.Millisecond,
		BackoffFactor:  2,
		Timeout:        2 * time.Second,
	}
}

func rpcResult(t *testing.T, w http.ResponseWriter, result string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + result + `}`)); err != nil {
		t.Errorf("write response: %v", err)
	}
}

func TestCallDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string `json:"jsonrpc"`
			Method  string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.JSONRPC != "2.0" || req.Method != "eth_blockNumber" {
			t.Errorf("unexpected request: %+v", req)
		}
		rpcResult(t, w, `"0x10"`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, testOptions(), zerolog.Nop())
	height, err := c.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber: %v", err)
	}
	if height != 16 {
		t.Errorf("height = %d, want 16", height)
	}
}

func TestCallFallsBackInOrder(t *testing.T) {
	var primaryHits atomic.Int64
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		primaryHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rpcResult(t, w, `"0x2a"`)
	}))
	defer fallback.Close()

	c := NewClient(primary.URL, []string{fallback.URL}, testOptions(), zerolog.Nop())
	height, err := c.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber: %v", err)
	}
	if height != 42 {
		t.Errorf("height = %d, want 42", height)
	}
	// One attempt plus one retry before falling back.
	if primaryHits.Load() != 2 {
		t.Errorf("primary hits = %d, want 2", primaryHits.Load())
	}
}

func TestAttemptsPerURLIsRetriesPlusOne(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.Retries = 2
	c := NewClient(srv.URL, nil, opts, zerolog.Nop())

	if _, err := c.Call(context.Background(), "eth_blockNumber"); err == nil {
		t.Fatal("expected error from a failing endpoint")
	}
	if hits.Load() != 3 {
		t.Errorf("requests = %d, want 1 attempt + 2 retries", hits.Load())
	}
}

func TestCallExhaustedWrapsLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"header not found"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, testOptions(), zerolog.Nop())
	_, err := c.Call(context.Background(), "eth_getBlockByNumber", "0x1", false)
	if err == nil {
		t.Fatal("expected error")
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error %T is not *ExhaustedError", err)
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("exhausted error does not wrap *RPCError: %v", err)
	}
	if rpcErr.Code != -32000 {
		t.Errorf("code = %d, want -32000", rpcErr.Code)
	}
}

func TestNullResultIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rpcResult(t, w, `null`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, testOptions(), zerolog.Nop())

	raw, err := c.Call(context.Background(), "eth_getBlockByNumber", "0x999", false)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !isJSONNull(raw) {
		t.Errorf("result = %s, want null", raw)
	}

	// A null receipt means the outcome is unknown, not an error.
	_, ok, err := c.TransactionReceiptStatus(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("TransactionReceiptStatus: %v", err)
	}
	if ok {
		t.Error("null receipt reported as resolved")
	}
}

func TestSetPrimaryPromotesEndpoint(t *testing.T) {
	c := NewClient("http://a.example", []string{"http://b.example"}, testOptions(), zerolog.Nop())
	c.SetPrimary("http://b.example")
	c.SetFallbacks([]string{"http://a.example"})

	urls := c.urls()
	if urls[0] != "http://b.example" || urls[1] != "http://a.example" {
		t.Errorf("urls = %v, want promoted order", urls)
	}
}

func TestBackoffDelay(t *testing.T) {
	opts := Options{RetryBaseDelay: time.Second, BackoffFactor: 2}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(opts, tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestParseHexQuantity(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0x0", 0, false},
		{"0x10", 16, false},
		{"0xde0b6b3a7640000", 1000000000000000000, false},
		{"", 0, true},
		{"0x", 0, true},
		{"0xzz", 0, true},
	}
	for _, tc := range cases {
		got, err := parseHexQuantity(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseHexQuantity(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseHexQuantity(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseHexQuantity(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestDecodeBlockTransactionShapes(t *testing.T) {
	withHashes := json.RawMessage(`{
		"number": "0x64",
		"hash": "0xaaa",
		"parentHash": "0xbbb",
		"timestamp": "0x68000000",
		"miner": "xdc1",
		"transactions": ["0x1", "0x2"]
	}`)
	block, err := decodeBlock(withHashes)
	if err != nil {
		t.Fatalf("decodeBlock(hashes): %v", err)
	}
	if block.Number != 100 || block.TxCount() != 2 {
		t.Errorf("block = %+v, want number 100 with 2 txs", block)
	}

	withObjects := json.RawMessage(`{
		"number": "0x65",
		"hash": "0xccc",
		"parentHash": "0xaaa",
		"timestamp": "0x68000002",
		"miner": "xdc2",
		"round": "0x1f",
		"transactions": [{"hash": "0x3", "from": "xdcA", "to": "xdcB"}]
	}`)
	block, err = decodeBlock(withObjects)
	if err != nil {
		t.Fatalf("decodeBlock(objects): %v", err)
	}
	if block.Round != 31 {
		t.Errorf("round = %d, want 31", block.Round)
	}
	if len(block.Transactions) != 1 || block.Transactions[0].Hash != "0x3" {
		t.Errorf("transactions = %+v", block.Transactions)
	}
	if block.TxCount() != 1 {
		t.Errorf("TxCount = %d, want 1", block.TxCount())
	}

	block, err = decodeBlock(json.RawMessage("null"))
	if err != nil || block != nil {
		t.Errorf("decodeBlock(null) = %v, %v, want nil, nil", block, err)
	}
}

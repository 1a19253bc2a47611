package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

// rpcServer serves eth_blockNumber with a fixed height, or a canned
// HTTP status when failWith is non-zero.
func rpcServer(t *testing.T, height string, failWith int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failWith != 0 {
			w.WriteHeader(failWith)
			return
		}
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Method != "eth_blockNumber" {
			t.Errorf("method = %s, want eth_blockNumber", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"` + height + `"}`))
	}))
}

func monitorChain(endpoints ...types.Endpoint) types.Chain {
	chain := testChain()
	chain.Endpoints = endpoints
	return chain
}

func newTestRPCMonitor(t *testing.T, opts RPCMonitorOptions, chains ...types.Chain) (*RPCMonitor, *fakeStore) {
	t.Helper()
	sink, store := newTestSink(t)
	return NewRPCMonitor(chains, opts, sink, zerolog.Nop()), store
}

func statusByURL(m *RPCMonitor, url string) (types.EndpointStatus, bool) {
	for _, s := range m.AllStatuses() {
		if s.URL == url {
			return s, true
		}
	}
	return types.EndpointStatus{}, false
}

func TestProbeSuccessRecordsHeightAndLatency(t *testing.T) {
	srv := rpcServer(t, "0x4d43f40", 0) // 81,018,688
	defer srv.Close()

	ep := types.Endpoint{URL: srv.URL, Name: "local", Kind: types.EndpointHTTPRPC, ChainID: 50}
	m, store := newTestRPCMonitor(t, RPCMonitorOptions{}, monitorChain(ep))

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	flushSink(t, m.sink)

	status, ok := statusByURL(m, srv.URL)
	if !ok {
		t.Fatal("endpoint missing from snapshot")
	}
	if status.Status != types.StatusActive {
		t.Errorf("status = %s, want active", status.Status)
	}
	if status.BlockHeight != 81018688 {
		t.Errorf("height = %d, want 81018688", status.BlockHeight)
	}
	if status.LastSuccessAt.IsZero() {
		t.Error("LastSuccessAt not set on a successful probe")
	}

	points := store.byName(types.MeasRPCStatus)
	if len(points) != 1 {
		t.Fatalf("rpc_status points = %d, want 1", len(points))
	}
	if got := points[0].Fields["value"]; got != int64(1) {
		t.Errorf("rpc_status = %v, want 1", got)
	}
	if got := points[0].Tags["endpoint"]; got != srv.URL {
		t.Errorf("endpoint tag = %s", got)
	}
}

func TestProbeFailureEmitsSentinels(t *testing.T) {
	srv := rpcServer(t, "", http.StatusInternalServerError)
	defer srv.Close()

	ep := types.Endpoint{URL: srv.URL, Name: "local", Kind: types.EndpointHTTPRPC, ChainID: 50}
	m, store := newTestRPCMonitor(t, RPCMonitorOptions{}, monitorChain(ep))

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	flushSink(t, m.sink)

	status, _ := statusByURL(m, srv.URL)
	if status.Status != types.StatusFailed {
		t.Errorf("status = %s, want failed", status.Status)
	}

	byName := map[string]int64{}
	for _, p := range store.points() {
		byName[p.Name] = p.Fields["value"].(int64)
	}
	if byName[types.MeasRPCStatus] != 0 {
		t.Errorf("rpc_status = %d, want sentinel 0", byName[types.MeasRPCStatus])
	}
	if byName[types.MeasRPCLatency] != -1 {
		t.Errorf("rpc_latency = %d, want sentinel -1", byName[types.MeasRPCLatency])
	}
}

func TestFailureDoesNotErasePriorHeight(t *testing.T) {
	healthy := rpcServer(t, "0x64", 0) // 100
	defer healthy.Close()

	ep := types.Endpoint{URL: healthy.URL, Kind: types.EndpointHTTPRPC, ChainID: 50}
	m, _ := newTestRPCMonitor(t, RPCMonitorOptions{}, monitorChain(ep))

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	healthy.Close() // connection refused from here on
	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	status, _ := statusByURL(m, ep.URL)
	if status.Status != types.StatusFailed {
		t.Errorf("status = %s, want failed", status.Status)
	}
	// The last observed height survives the outage for comparison views.
	if status.BlockHeight != 100 {
		t.Errorf("height = %d, want the last good observation 100", status.BlockHeight)
	}
}

func TestConditionalEndpointsGatedByOption(t *testing.T) {
	srv := rpcServer(t, "0x64", 0)
	defer srv.Close()

	ep := types.Endpoint{URL: srv.URL, Kind: types.EndpointHTTPRPC, ChainID: 50, Conditional: true}

	m, _ := newTestRPCMonitor(t, RPCMonitorOptions{}, monitorChain(ep))
	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	status, _ := statusByURL(m, srv.URL)
	if status.Status != types.StatusUnknown {
		t.Errorf("conditional endpoint probed with the toggle off: %s", status.Status)
	}

	m2, _ := newTestRPCMonitor(t, RPCMonitorOptions{IncludeConditional: true}, monitorChain(ep))
	if err := m2.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	status, _ = statusByURL(m2, srv.URL)
	if status.Status != types.StatusActive {
		t.Errorf("conditional endpoint skipped with the toggle on: %s", status.Status)
	}
}

func TestWebsocketProbe(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ep := types.Endpoint{URL: wsURL, Kind: types.EndpointWebsocket, ChainID: 50}
	m, store := newTestRPCMonitor(t, RPCMonitorOptions{}, monitorChain(ep))

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	flushSink(t, m.sink)

	status, _ := statusByURL(m, wsURL)
	if status.Status != types.StatusActive {
		t.Errorf("status = %s, want active", status.Status)
	}

	points := store.byName(types.MeasWebsocketStatus)
	if len(points) != 1 || points[0].Fields["value"] != int64(1) {
		t.Fatalf("websocket_status points = %+v, want one up point", points)
	}
	// Websocket probes never write RPC gauges.
	if got := len(store.byName(types.MeasRPCStatus)); got != 0 {
		t.Errorf("rpc_status points for a websocket endpoint = %d", got)
	}
}

func TestWebsocketDialFailure(t *testing.T) {
	// Plain HTTP server: the upgrade handshake cannot complete.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ep := types.Endpoint{URL: wsURL, Kind: types.EndpointWebsocket, ChainID: 50}
	m, store := newTestRPCMonitor(t, RPCMonitorOptions{}, monitorChain(ep))

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	flushSink(t, m.sink)

	status, _ := statusByURL(m, wsURL)
	if status.Status != types.StatusFailed {
		t.Errorf("status = %s, want failed", status.Status)
	}
	points := store.byName(types.MeasWebsocketStatus)
	if len(points) != 1 || points[0].Fields["value"] != int64(0) {
		t.Fatalf("websocket_status points = %+v, want one down point", points)
	}
}

func TestInflightProbeSkipped(t *testing.T) {
	srv := rpcServer(t, "0x64", 0)
	defer srv.Close()

	ep := types.Endpoint{URL: srv.URL, Kind: types.EndpointHTTPRPC, ChainID: 50}
	m, store := newTestRPCMonitor(t, RPCMonitorOptions{}, monitorChain(ep))

	// Mark the probe as already running; the cycle must skip it.
	key := endpointKey{url: ep.URL, chainID: 50}
	m.inflightMu.Lock()
	m.inflight[key] = true
	m.inflightMu.Unlock()

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	flushSink(t, m.sink)
	if got := len(store.points()); got != 0 {
		t.Errorf("points recorded while in flight = %d, want 0", got)
	}

	m.inflightMu.Lock()
	delete(m.inflight, key)
	m.inflightMu.Unlock()

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	status, _ := statusByURL(m, srv.URL)
	if status.Status != types.StatusActive {
		t.Errorf("status after clearing in-flight = %s, want active", status.Status)
	}
}

func TestChainStatusesPreservesConfiguredOrder(t *testing.T) {
	endpoints := []types.Endpoint{
		{URL: "https://rpc.xinfin.network", Kind: types.EndpointHTTPRPC, ChainID: 50},
		{URL: "https://rpc.xdcrpc.com", Kind: types.EndpointHTTPRPC, ChainID: 50},
		{URL: "wss://ws.xinfin.network", Kind: types.EndpointWebsocket, ChainID: 50},
	}
	other := types.Chain{ID: 51, Name: "XDC Apothem", TargetBlockTime: 2 * time.Second,
		Endpoints: []types.Endpoint{{URL: "https://rpc.apothem.network", Kind: types.EndpointHTTPRPC, ChainID: 51}}}
	m, _ := newTestRPCMonitor(t, RPCMonitorOptions{}, monitorChain(endpoints...), other)

	got := m.ChainStatuses(50)
	if len(got) != 3 {
		t.Fatalf("statuses = %d, want 3", len(got))
	}
	for i, ep := range endpoints {
		if got[i].URL != ep.URL {
			t.Errorf("statuses[%d] = %s, want %s", i, got[i].URL, ep.URL)
		}
	}
	if all := m.AllStatuses(); len(all) != 4 {
		t.Errorf("AllStatuses = %d, want 4 across both chains", len(all))
	}
}

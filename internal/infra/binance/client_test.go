package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"goquant/internal/domain"
	"goquant/internal/infra"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &infra.Config{}
	cfg.API.Binance.RestURL = server.URL
	cfg.API.Binance.APIKey = "test-key"
	cfg.API.Binance.SecretKey = "test-secret"
	cfg.API.Binance.RecvWindowMS = 5000
	cfg.Trading.Symbols = []string{"BTCUSDT"}

	client, err := NewClient(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestClientSubmitOrder(t *testing.T) {
	var gotQuery, gotKey string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v3/order" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-MBX-APIKEY")
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":28,"clientOrderId":"gq-1-1","status":"NEW","executedQty":"0.00000000"}`))
	})

	ack, err := client.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          domain.Buy,
		Type:          domain.Limit,
		Price:         decimal.RequireFromString("50000"),
		Quantity:      decimal.RequireFromString("0.5"),
		ClientOrderID: "gq-1-1",
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if ack.ExchangeOrderID != "28" {
		t.Errorf("exchange id = %s", ack.ExchangeOrderID)
	}
	if ack.Status != domain.StatusSubmitted {
		t.Errorf("status = %s", ack.Status)
	}

	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	for _, want := range []string{"symbol=BTCUSDT", "side=BUY", "type=LIMIT", "timeInForce=GTC", "price=50000", "quantity=0.5", "timestamp=", "recvWindow=5000", "signature="} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query missing %q: %s", want, gotQuery)
		}
	}
}

func TestClientSignsQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.RawQuery
		idx := strings.Index(raw, "&signature=")
		if idx < 0 {
			t.Error("signature parameter missing")
		} else {
			payload, sig := raw[:idx], raw[idx+len("&signature="):]
			want := NewSigner("", "test-secret").Sign(payload)
			if sig != want {
				t.Errorf("signature = %s, want %s", sig, want)
			}
		}
		w.Write([]byte(`{"orderId":1,"status":"NEW"}`))
	})

	_, err := client.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.Sell,
		Type:     domain.Market,
		Quantity: decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
}

func TestClientAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	})

	_, err := client.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.Buy,
		Type:     domain.Market,
		Quantity: decimal.RequireFromString("999"),
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != -2010 {
		t.Errorf("code = %d", apiErr.Code)
	}
	if apiErr.HTTPStatus != http.StatusBadRequest {
		t.Errorf("http status = %d", apiErr.HTTPStatus)
	}
}

func TestClientGetDepthIsPublic(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != "" {
			t.Error("public endpoint must not send the api key")
		}
		if strings.Contains(r.URL.RawQuery, "signature") {
			t.Error("public endpoint must not be signed")
		}
		w.Write([]byte(`{"lastUpdateId":160,"bids":[["50000.10","1.5"]],"asks":[["50001.20","2.0"]]}`))
	})

	snap, err := client.GetDepth(context.Background(), "BTCUSDT", 100)
	if err != nil {
		t.Fatalf("GetDepth: %v", err)
	}
	if snap.LastUpdateID != 160 {
		t.Errorf("lastUpdateId = %d", snap.LastUpdateID)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Price.String() != "50000.1" {
		t.Errorf("bad bids: %v", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Size.String() != "2" {
		t.Errorf("bad asks: %v", snap.Asks)
	}
}

func TestClientCancelAllNothingOpen(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	})

	n, err := client.CancelAllOrders(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("expected nothing-to-cancel to be silent, got %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d", n)
	}

	if _, err := client.CancelAllOrders(context.Background(), ""); err == nil {
		t.Error("expected error for empty symbol")
	}
}

func TestClientGetOrderByClientID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("origClientOrderId") != "gq-1-7" {
			t.Errorf("origClientOrderId = %q", q.Get("origClientOrderId"))
		}
		if q.Get("orderId") != "" {
			t.Errorf("orderId should be empty, got %q", q.Get("orderId"))
		}
		w.Write([]byte(`{"orderId":99,"clientOrderId":"gq-1-7","status":"FILLED","executedQty":"1.0","cummulativeQuoteQty":"50000.0"}`))
	})

	st, err := client.GetOrder(context.Background(), "BTCUSDT", "", "gq-1-7")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if st.ExchangeOrderID != "99" || st.Status != domain.StatusFilled {
		t.Errorf("bad state: %+v", st)
	}
	if st.AvgFillPrice.String() != "50000" {
		t.Errorf("avg = %s", st.AvgFillPrice)
	}

	if _, err := client.GetOrder(context.Background(), "BTCUSDT", "", ""); err == nil {
		t.Error("expected error when both ids are empty")
	}
}

func TestClientGetBalances(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balances":[
			{"asset":"BTC","free":"1.5","locked":"0.5"},
			{"asset":"USDT","free":"1000.0","locked":"0"},
			{"asset":"DUST","free":"0.00000000","locked":"0.00000000"}
		]}`))
	})

	balances, err := client.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("expected zero balances filtered, got %d", len(balances))
	}
	if balances[0].Asset != "BTC" || balances[0].Amount.String() != "2" || balances[0].Reserved.String() != "0.5" {
		t.Errorf("bad BTC balance: %+v", balances[0])
	}
}

func TestClientGetPositions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balances":[
			{"asset":"BTC","free":"0.75","locked":"0"},
			{"asset":"USDT","free":"1000.0","locked":"0"}
		]}`))
	})

	positions, err := client.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected one position, got %d", len(positions))
	}
	if positions[0].Symbol != "BTCUSDT" || positions[0].Quantity.String() != "0.75" {
		t.Errorf("bad position: %+v", positions[0])
	}
}

func TestClientListenKeyFlow(t *testing.T) {
	var methods []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/userDataStream" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-MBX-APIKEY") != "test-key" {
			t.Error("listen key calls need the api key header")
		}
		if strings.Contains(r.URL.RawQuery, "signature") {
			t.Error("listen key calls must not be signed")
		}
		methods = append(methods, r.Method)
		w.Write([]byte(`{"listenKey":"pqia91ma19a5s61cv6a81va65sdf19v8a65a1a5s61cv6a81va65sdf19v8a65a1"}`))
	})

	key, err := client.CreateListenKey(context.Background())
	if err != nil {
		t.Fatalf("CreateListenKey: %v", err)
	}
	if key == "" {
		t.Fatal("empty listen key")
	}
	if err := client.KeepAliveListenKey(context.Background(), key); err != nil {
		t.Fatalf("KeepAliveListenKey: %v", err)
	}
	if err := client.CloseListenKey(context.Background(), key); err != nil {
		t.Fatalf("CloseListenKey: %v", err)
	}
	want := []string{http.MethodPost, http.MethodPut, http.MethodDelete}
	for i, m := range want {
		if methods[i] != m {
			t.Errorf("call %d method = %s, want %s", i, methods[i], m)
		}
	}
}

func TestClientSignerIsLazy(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"lastUpdateId":1,"bids":[],"asks":[]}`))
	})

	if _, err := client.GetDepth(context.Background(), "BTCUSDT", 5); err != nil {
		t.Fatalf("GetDepth: %v", err)
	}
	if client.signer != nil {
		t.Error("public call must not materialize the signer")
	}

	if _, err := client.GetBalances(context.Background()); err != nil {
		// The mock answers depth JSON; only the signer side matters here.
		t.Logf("GetBalances: %v", err)
	}
	if client.signer == nil {
		t.Error("private call must materialize the signer")
	}
}

func TestPublicClientRefusesPrivateCalls(t *testing.T) {
	cfg := &infra.Config{}
	cfg.API.Binance.RestURL = "http://127.0.0.1:0"
	client := NewPublicClient(cfg, zap.NewNop())

	_, err := client.GetBalances(context.Background())
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("expected ErrNoCredentials, got %v", err)
	}
}

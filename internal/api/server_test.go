package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"limit-order-keeper/internal/domain"
	"limit-order-keeper/internal/evm"
	"limit-order-keeper/internal/storage/memory"
)

const traderKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	managerAddr = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	tokenIn     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenOut    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	chainID     = big.NewInt(50312)
)

type fixture struct {
	server *httptest.Server
	orders *memory.OrderStore
	signer *evm.OrderSigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	orders := memory.NewOrderStore()
	signer := evm.NewOrderSigner(evm.OrderDomain(chainID, managerAddr))
	srv := NewServer(orders, memory.NewRateSampleStore(), signer, nil, zap.NewNop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{server: ts, orders: orders, signer: signer}
}

// signedRequest builds a valid creation payload signed by the test key.
func signedRequest(t *testing.T, f *fixture, nonce uint64) (createRequest, common.Address) {
	t.Helper()
	key, err := crypto.HexToECDSA(traderKey)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	trader := crypto.PubkeyToAddress(key.PublicKey)

	order := &domain.Order{
		ID:            "unsigned",
		Trader:        trader,
		TokenIn:       tokenIn,
		TokenOut:      tokenOut,
		AmountIn:      new(big.Int).Mul(big.NewInt(10), domain.E18),
		AmountOutMin:  big.NewInt(0),
		LimitPriceE18: new(big.Int).Mul(big.NewInt(2), domain.E18),
		SlippageBps:   50,
		Deadline:      time.Now().Add(time.Hour).Unix(),
		Nonce:         nonce,
		Status:        domain.OrderStatusPending,
		OrderType:     domain.OrderTypeBuy,
	}
	sig, err := f.signer.SignOrder(order, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	return createRequest{
		Trader:        trader.Hex(),
		TokenIn:       tokenIn.Hex(),
		TokenOut:      tokenOut.Hex(),
		AmountIn:      order.AmountIn.String(),
		AmountOutMin:  "0",
		LimitPriceE18: order.LimitPriceE18.String(),
		SlippageBps:   50,
		Deadline:      order.Deadline,
		Nonce:         nonce,
		Signature:     hexutil.Encode(sig),
		OrderType:     "buy",
	}, trader
}

func postOrder(t *testing.T, f *fixture, req createRequest) *http.Response {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(f.server.URL+"/api/limit-orders", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func TestServer_CreateOrder(t *testing.T) {
	f := newFixture(t)
	req, trader := signedRequest(t, f, 1)

	resp := postOrder(t, f, req)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var created domain.Order
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" {
		t.Error("expected generated order id")
	}
	if created.Status != domain.OrderStatusPending {
		t.Errorf("expected pending status, got %s", created.Status)
	}
	if created.Trader != trader {
		t.Errorf("trader mismatch: %s", created.Trader.Hex())
	}
}

func TestServer_CreateRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	req, _ := signedRequest(t, f, 1)
	req.AmountIn = "999" // digest no longer matches the signature

	resp := postOrder(t, f, req)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestServer_CreateDuplicateNonce(t *testing.T) {
	f := newFixture(t)
	req, _ := signedRequest(t, f, 7)

	first := postOrder(t, f, req)
	first.Body.Close()
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first create: expected 201, got %d", first.StatusCode)
	}

	second := postOrder(t, f, req)
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", second.StatusCode)
	}
}

func TestServer_ListByTrader(t *testing.T) {
	f := newFixture(t)
	req, trader := signedRequest(t, f, 1)
	postOrder(t, f, req).Body.Close()
	req2, _ := signedRequest(t, f, 2)
	postOrder(t, f, req2).Body.Close()

	resp, err := http.Get(fmt.Sprintf("%s/api/limit-orders?trader=%s", f.server.URL, trader.Hex()))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var orders []*domain.Order
	if err := json.NewDecoder(resp.Body).Decode(&orders); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(orders) != 2 {
		t.Errorf("expected 2 orders, got %d", len(orders))
	}
}

func TestServer_CancelFlow(t *testing.T) {
	f := newFixture(t)
	req, trader := signedRequest(t, f, 1)

	resp := postOrder(t, f, req)
	var created domain.Order
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	// Wrong trader is forbidden.
	del, _ := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/limit-orders/%s?trader=%s", f.server.URL, created.ID, tokenIn.Hex()), nil)
	forbidden, err := http.DefaultClient.Do(del)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	forbidden.Body.Close()
	if forbidden.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", forbidden.StatusCode)
	}

	// Owner cancels.
	del, _ = http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/limit-orders/%s?trader=%s", f.server.URL, created.ID, trader.Hex()), nil)
	ok, err := http.DefaultClient.Do(del)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", ok.StatusCode)
	}

	var canceled domain.Order
	if err := json.NewDecoder(ok.Body).Decode(&canceled); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if canceled.Status != domain.OrderStatusCanceled {
		t.Errorf("expected canceled, got %s", canceled.Status)
	}

	// Second cancel conflicts: transitions are one-way.
	again, err := http.DefaultClient.Do(del)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on repeat cancel, got %d", again.StatusCode)
	}
}

func TestServer_GetNotFound(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/api/limit-orders/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

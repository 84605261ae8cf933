package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func rpcServer(t *testing.T, handler func(req rpcRequest) interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
		}
		switch v := handler(req).(type) {
		case *RPCError:
			resp["error"] = v
		default:
			resp["result"] = v
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestHTTPClient_BlockNumber(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) interface{} {
		if req.Method != "eth_blockNumber" {
			t.Errorf("expected eth_blockNumber, got %s", req.Method)
		}
		return "0x10"
	})
	defer server.Close()

	client := NewHTTPClient(server.URL)
	n, err := client.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber: %v", err)
	}
	if n != 16 {
		t.Errorf("expected 16, got %d", n)
	}
}

func TestHTTPClient_GetLogs(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000ab")
	server := rpcServer(t, func(req rpcRequest) interface{} {
		if req.Method != "eth_getLogs" {
			t.Errorf("expected eth_getLogs, got %s", req.Method)
		}
		filter, ok := req.Params[0].(map[string]interface{})
		if !ok {
			t.Fatal("expected filter object")
		}
		if filter["fromBlock"] != "0x65" || filter["toBlock"] != "0x44c" {
			t.Errorf("unexpected range: %v..%v", filter["fromBlock"], filter["toBlock"])
		}
		return []map[string]interface{}{
			{
				"address":     addr.Hex(),
				"topics":      []string{SwapEventTopic.Hex()},
				"data":        "0x",
				"blockNumber": "0x70",
				"transactionHash": common.HexToHash("0x01").Hex(),
				"logIndex":    "0x0",
				"removed":     false,
			},
		}
	})
	defer server.Close()

	client := NewHTTPClient(server.URL)
	logs, err := client.GetLogs(context.Background(), FilterQuery{
		Address:   addr,
		Topics:    []common.Hash{SwapEventTopic},
		FromBlock: 101,
		ToBlock:   1100,
	})
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	if logs[0].Address != addr || logs[0].BlockNumber != 112 {
		t.Errorf("unexpected log %+v", logs[0])
	}
}

func TestHTTPClient_RetriesTransientFailures(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL,
		WithMaxRetries(3), WithRetryDelay(time.Millisecond), WithMaxDelay(time.Millisecond))

	n, err := client.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestHTTPClient_RPCErrorNotRetried(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":3,"message":"execution reverted: nope","data":"0x08c379a00000000000000000000000000000000000000000000000000000000000000020000000000000000000000000000000000000000000000000000000000000000d4f72646572206578706972656400000000000000000000000000000000000000"}}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL,
		WithMaxRetries(3), WithRetryDelay(time.Millisecond))

	_, err := client.CallContract(context.Background(), CallMsg{})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}

	if reason := RevertReason(err); reason != "Order expired" {
		t.Errorf("expected decoded revert reason, got %q", reason)
	}
}

func TestRPCError_IsRangeTooLarge(t *testing.T) {
	tests := []struct {
		message string
		want    bool
	}{
		{"block range is too wide", true},
		{"range too large", true},
		{"query returned more than 10000 results", true},
		{"execution reverted", false},
	}
	for _, tt := range tests {
		err := &RPCError{Code: -32000, Message: tt.message}
		if got := err.IsRangeTooLarge(); got != tt.want {
			t.Errorf("%q: expected %v, got %v", tt.message, tt.want, got)
		}
	}

	wrapped := fmt.Errorf("get logs: %w", &RPCError{Code: -32000, Message: "range too large"})
	if !IsRangeTooLarge(wrapped) {
		t.Error("expected wrapped RPC range error to be detected")
	}
	if IsRangeTooLarge(errors.New("range too large")) {
		t.Error("plain errors are not range rejections")
	}
}

func TestRevertReason_FallsBackToMessage(t *testing.T) {
	err := &RPCError{Code: 3, Message: "execution reverted"}
	if got := RevertReason(err); got != "execution reverted" {
		t.Errorf("expected message fallback, got %q", got)
	}
	if got := RevertReason(errors.New("plain")); got != "" {
		t.Errorf("expected empty for non-RPC error, got %q", got)
	}
}

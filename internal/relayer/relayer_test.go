package relayer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"limit-order-keeper/internal/evm"
	"limit-order-keeper/internal/evm/stub"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestRelayer_SubmitSerializesNonce(t *testing.T) {
	client := stub.NewChainClient()
	client.NonceV = 7

	r, err := New(testKey, client, zap.NewNop(),
		WithReceiptInterval(time.Millisecond), WithReceiptTimeout(time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	to := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	for i := 0; i < 3; i++ {
		receipt, err := r.Submit(context.Background(), to, []byte{0x01})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		if receipt.Status != evm.ReceiptStatusSuccess {
			t.Errorf("Submit %d: expected success status", i)
		}
	}

	if len(client.SentRaw) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(client.SentRaw))
	}

	r.mu.Lock()
	next := r.nextNonce
	r.mu.Unlock()
	if next != 10 {
		t.Errorf("expected next nonce 10, got %d", next)
	}
}

func TestRelayer_ReceiptTimeout(t *testing.T) {
	client := stub.NewChainClient()
	client.ReceiptFn = func(common.Hash) (*evm.Receipt, error) {
		return nil, nil // never mined
	}

	r, err := New(testKey, client, zap.NewNop(),
		WithReceiptInterval(time.Millisecond), WithReceiptTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = r.Submit(context.Background(), common.Address{}, nil)
	if !errors.Is(err, ErrReceiptTimeout) {
		t.Errorf("expected ErrReceiptTimeout, got %v", err)
	}
}

func TestRelayer_RejectsBadKey(t *testing.T) {
	if _, err := New("not-hex", stub.NewChainClient(), zap.NewNop()); err == nil {
		t.Error("expected error for malformed key")
	}
}

package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"limit-order-keeper/internal/domain"
)

// EIP712Domain is the typed-data domain separator, binding signatures to
// one chain and one manager contract.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// OrderSigner computes and verifies EIP-712 digests for limit orders.
type OrderSigner struct {
	domain EIP712Domain
}

// NewOrderSigner creates a signer bound to the given domain.
func NewOrderSigner(domain EIP712Domain) *OrderSigner {
	return &OrderSigner{domain: domain}
}

// OrderDomain returns the standard domain for the limit order manager on
// the given chain.
func OrderDomain(chainID *big.Int, manager common.Address) EIP712Domain {
	return EIP712Domain{
		Name:              "LimitOrderManager",
		Version:           "1",
		ChainID:           chainID,
		VerifyingContract: manager,
	}
}

// HashOrder returns the EIP-712 digest a trader signs for the order.
func (s *OrderSigner) HashOrder(order *domain.Order) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "trader", Type: "address"},
				{Name: "tokenIn", Type: "address"},
				{Name: "tokenOut", Type: "address"},
				{Name: "amountIn", Type: "uint256"},
				{Name: "amountOutMin", Type: "uint256"},
				{Name: "limitPriceE18", Type: "uint256"},
				{Name: "slippageBps", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              s.domain.Name,
			Version:           s.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(s.domain.ChainID),
			VerifyingContract: s.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"trader":        order.Trader.Hex(),
			"tokenIn":       order.TokenIn.Hex(),
			"tokenOut":      order.TokenOut.Hex(),
			"amountIn":      order.AmountIn.String(),
			"amountOutMin":  order.AmountOutMin.String(),
			"limitPriceE18": order.LimitPriceE18.String(),
			"slippageBps":   fmt.Sprintf("%d", order.SlippageBps),
			"deadline":      fmt.Sprintf("%d", order.Deadline),
			"nonce":         fmt.Sprintf("%d", order.Nonce),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash order: %w", err)
	}

	// digest = keccak256("\x19\x01" || domainSeparator || typedDataHash)
	raw := append([]byte{0x19, 0x01}, append(domainSeparator, typedDataHash...)...)
	return crypto.Keccak256(raw), nil
}

// SignOrder signs the order digest with the trader's key, returning a
// 65-byte signature with the recovery id shifted to {27, 28}.
func (s *OrderSigner) SignOrder(order *domain.Order, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := s.HashOrder(order)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// VerifyOrderSignature checks that order.Signature recovers to order.Trader.
func (s *OrderSigner) VerifyOrderSignature(order *domain.Order) error {
	if len(order.Signature) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(order.Signature))
	}

	digest, err := s.HashOrder(order)
	if err != nil {
		return err
	}

	sig := append([]byte(nil), order.Signature...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}

	if recovered := crypto.PubkeyToAddress(*pub); recovered != order.Trader {
		return fmt.Errorf("signature recovers to %s, expected trader %s", recovered.Hex(), order.Trader.Hex())
	}
	return nil
}

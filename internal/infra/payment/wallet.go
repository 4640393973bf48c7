// Package payment submits fixed-price native-token transfers and waits for
// network confirmation.
package payment

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/ed25519"
)

// ErrInsufficientBalance is returned when a wallet cannot cover price plus fees.
var ErrInsufficientBalance = errors.New("payment: insufficient balance")

// ErrTransactionFailed is returned when the network reports a failed transaction.
var ErrTransactionFailed = errors.New("payment: transaction failed")

// ErrUnconfirmed is returned when confirmation does not arrive in time.
var ErrUnconfirmed = errors.New("payment: transaction not confirmed")

// Wallet signs transfers on behalf of the payer.
type Wallet interface {
	Address() string
	PublicKey() ed25519.PublicKey
	Sign(message []byte) ([]byte, error)
}

// Network is the payment network contract used by the claim pipeline.
type Network interface {
	// Balance returns the wallet balance in native units.
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
	// Transfer signs and submits a transfer, returning the transaction signature.
	// Submission is not idempotent and must not be retried blindly.
	Transfer(ctx context.Context, from Wallet, to string, amount decimal.Decimal) (string, error)
	// Confirm blocks until the transaction reaches the configured commitment.
	Confirm(ctx context.Context, signature string) error
}

// Keypair is an in-process ed25519 signer.
type Keypair struct {
	private ed25519.PrivateKey
}

// GenerateKeypair creates a random keypair.
func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("payment: generate key: %w", err)
	}
	return &Keypair{private: priv}, nil
}

// KeypairFromBytes accepts a 32-byte seed or a 64-byte private key.
func KeypairFromBytes(raw []byte) (*Keypair, error) {
	switch len(raw) {
	case ed25519.SeedSize:
		return &Keypair{private: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(priv, raw)
		return &Keypair{private: priv}, nil
	default:
		return nil, fmt.Errorf("payment: key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// LoadKeypair reads a keypair file holding a JSON array of byte values.
func LoadKeypair(path string) (*Keypair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("payment: read keypair: %w", err)
	}
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, fmt.Errorf("payment: decode keypair: %w", err)
	}
	values := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("payment: keypair byte %d out of range", i)
		}
		values[i] = byte(v)
	}
	return KeypairFromBytes(values)
}

// SaveKeypair writes the 64-byte private key as a JSON byte array readable by LoadKeypair.
func SaveKeypair(path string, k *Keypair) error {
	ints := make([]int, len(k.private))
	for i, b := range k.private {
		ints[i] = int(b)
	}
	raw, err := json.Marshal(ints)
	if err != nil {
		return fmt.Errorf("payment: encode keypair: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("payment: write keypair: %w", err)
	}
	return nil
}

// Address returns the base58 public key.
func (k *Keypair) Address() string {
	return base58.Encode(k.PublicKey())
}

// PublicKey returns the ed25519 public key.
func (k *Keypair) PublicKey() ed25519.PublicKey {
	return k.private.Public().(ed25519.PublicKey)
}

// Sign implements Wallet.
func (k *Keypair) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(k.private, message), nil
}

// DecodeAddress parses a base58 public key.
func DecodeAddress(address string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return nil, fmt.Errorf("payment: decode address %q: %w", address, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("payment: address %q has %d bytes", address, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

package payment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/ed25519"
)

// LamportsPerUnit is the number of base units in one native token.
const LamportsPerUnit = 1_000_000_000

const systemTransferInstruction = 2

var systemProgramID = make([]byte, ed25519.PublicKeySize)

// ToLamports converts a native amount to base units, rejecting fractions of a lamport.
func ToLamports(amount decimal.Decimal) (uint64, error) {
	if amount.Sign() <= 0 {
		return 0, errors.New("payment: amount must be positive")
	}
	shifted := amount.Shift(9)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("payment: amount %s below lamport precision", amount)
	}
	return uint64(shifted.IntPart()), nil
}

// FromLamports converts base units to a native amount.
func FromLamports(lamports uint64) decimal.Decimal {
	return decimal.NewFromInt(int64(lamports)).Shift(-9)
}

// transferMessage serialises a legacy single-instruction system transfer.
func transferMessage(from, to ed25519.PublicKey, lamports uint64, recentBlockhash string) ([]byte, error) {
	if len(from) != ed25519.PublicKeySize || len(to) != ed25519.PublicKeySize {
		return nil, errors.New("payment: invalid account key")
	}
	if from.Equal(to) {
		return nil, errors.New("payment: sender and recipient are the same account")
	}
	hash, err := base58.Decode(recentBlockhash)
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("payment: invalid blockhash %q", recentBlockhash)
	}

	msg := make([]byte, 0, 3+1+3*32+32+1+1+1+2+1+12)
	// Header: one signer, no read-only signers, one read-only unsigned account.
	msg = append(msg, 1, 0, 1)
	msg = appendCompactU16(msg, 3)
	msg = append(msg, from...)
	msg = append(msg, to...)
	msg = append(msg, systemProgramID...)
	msg = append(msg, hash...)

	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], systemTransferInstruction)
	binary.LittleEndian.PutUint64(data[4:12], lamports)

	msg = appendCompactU16(msg, 1)
	msg = append(msg, 2)
	msg = appendCompactU16(msg, 2)
	msg = append(msg, 0, 1)
	msg = appendCompactU16(msg, len(data))
	msg = append(msg, data...)
	return msg, nil
}

// signTransfer returns the wire transaction and its signature.
func signTransfer(w Wallet, to ed25519.PublicKey, lamports uint64, recentBlockhash string) ([]byte, string, error) {
	msg, err := transferMessage(w.PublicKey(), to, lamports, recentBlockhash)
	if err != nil {
		return nil, "", err
	}
	sig, err := w.Sign(msg)
	if err != nil {
		return nil, "", fmt.Errorf("payment: sign: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, "", errors.New("payment: wallet returned malformed signature")
	}
	tx := make([]byte, 0, 1+len(sig)+len(msg))
	tx = appendCompactU16(tx, 1)
	tx = append(tx, sig...)
	tx = append(tx, msg...)
	return tx, base58.Encode(sig), nil
}

func appendCompactU16(buf []byte, v int) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

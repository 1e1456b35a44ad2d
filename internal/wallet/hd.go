package wallet

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

// DeriveAddress deterministically derives the deposit address for a
// derivation index from the master seed: HKDF-SHA256 expands the seed at
// the index into a secp256k1 key, whose address receives the deposit.
// The master seed lives in the secrets backend and never in the database.
func DeriveAddress(masterSeed string, index int64) (string, error) {
	key, err := deriveKey(masterSeed, index)
	if err != nil {
		return "", err
	}
	priv, err := crypto.ToECDSA(key)
	if err != nil {
		return "", fmt.Errorf("derive deposit key %d: %w", index, err)
	}
	return crypto.PubkeyToAddress(priv.PublicKey).Hex(), nil
}

func deriveKey(masterSeed string, index int64) ([]byte, error) {
	if masterSeed == "" {
		return nil, fmt.Errorf("wallet master seed is not configured")
	}
	info := make([]byte, 8)
	binary.BigEndian.PutUint64(info, uint64(index))
	r := hkdf.New(sha256.New, []byte(masterSeed), []byte("agentbazaar/deposit"), info)

	// Rejection-sample until the scalar is a valid secp256k1 key; the
	// first draw is valid for all practical purposes.
	for i := 0; i < 16; i++ {
		key := make([]byte, 32)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("derive deposit key %d: %w", index, err)
		}
		if _, err := crypto.ToECDSA(key); err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("derive deposit key %d: no valid scalar", index)
}

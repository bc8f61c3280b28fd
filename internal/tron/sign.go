package tron

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Sign signs the transaction's txID hash and attaches the 65-byte
// r||s||v signature the network expects. The caller owns the key's
// lifecycle; Sign never retains it.
func Sign(tx *Transaction, key *ecdsa.PrivateKey) error {
	if tx.TxID == "" {
		return fmt.Errorf("transaction has no txID to sign")
	}

	hash, err := hex.DecodeString(tx.TxID)
	if err != nil {
		return fmt.Errorf("invalid txID %s: %w", tx.TxID, err)
	}
	if len(hash) != 32 {
		return fmt.Errorf("txID %s is not a 32-byte hash", tx.TxID)
	}

	signature, err := crypto.Sign(hash, key)
	if err != nil {
		return fmt.Errorf("failed to sign transaction %s: %w", tx.TxID, err)
	}

	tx.Signature = append(tx.Signature, hex.EncodeToString(signature))
	return nil
}

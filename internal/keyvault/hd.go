package keyvault

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
)

// TRON's registered BIP44 coin type and base58check version byte.
const (
	tronCoinType    = 195
	tronAddrVersion = 0x41
)

// deriveKey derives the private key and TRON address at
// m/44'/195'/0'/0/index from a BIP39 seed.
func deriveKey(seed []byte, index uint32) (address string, privKey []byte, err error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build master key: %w", err)
	}

	path := []uint32{
		44 + hdkeychain.HardenedKeyStart,
		tronCoinType + hdkeychain.HardenedKeyStart,
		0 + hdkeychain.HardenedKeyStart,
		0,
		index,
	}

	key := master
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return "", nil, fmt.Errorf("failed to derive index %d: %w", idx, err)
		}
	}

	ecPriv, err := key.ECPrivKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to extract private key: %w", err)
	}

	address = addressFromPrivate(ecPriv.Serialize())
	return address, ecPriv.Serialize(), nil
}

// addressFromPrivate computes the base58check TRON address for a raw
// secp256k1 private key: keccak256 of the uncompressed public key,
// last 20 bytes, 0x41 version prefix.
func addressFromPrivate(privKey []byte) string {
	ecdsaKey, err := crypto.ToECDSA(privKey)
	if err != nil {
		return ""
	}
	pub := crypto.FromECDSAPub(&ecdsaKey.PublicKey)
	hash := crypto.Keccak256(pub[1:])
	return base58.CheckEncode(hash[12:], tronAddrVersion)
}

// masterPublicKey returns the neutered extended public key for audit
// display; it cannot sign.
func masterPublicKey(seed []byte) (string, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return "", fmt.Errorf("failed to build master key: %w", err)
	}
	neutered, err := master.Neuter()
	if err != nil {
		return "", fmt.Errorf("failed to neuter master key: %w", err)
	}
	return neutered.String(), nil
}

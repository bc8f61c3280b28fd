package keyvault

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/sunwire/tronsweep/internal/metrics"
	"github.com/sunwire/tronsweep/internal/models"
	"github.com/tyler-smith/go-bip39"
	"gorm.io/gorm"
)

var (
	// ErrVaultLocked indicates the decryption key is unavailable
	ErrVaultLocked = errors.New("vault locked: decryption key unavailable")

	// ErrIndexExhausted indicates the derivation index space is spent
	ErrIndexExhausted = errors.New("derivation index space exhausted")

	// ErrMasterKeyExists indicates the tenant already has a master key
	ErrMasterKeyExists = errors.New("tenant already has a master key")

	errIndexContended = errors.New("derivation index contended")
)

const deriveRetries = 10

// Vault derives deposit addresses from tenant master seeds and hands
// out decrypted signing keys scoped to a single signing operation.
type Vault struct {
	db     *gorm.DB
	cipher *Cipher
	logger zerolog.Logger
}

// New creates a vault. An empty passphrase yields a locked vault:
// derivation and signing both fail with ErrVaultLocked until the
// operator supplies the key material.
func New(db *gorm.DB, passphrase string, logger zerolog.Logger) *Vault {
	v := &Vault{
		db:     db,
		logger: logger.With().Str("component", "keyvault").Logger(),
	}
	if passphrase != "" {
		cipher, err := NewCipher(passphrase)
		if err != nil {
			v.logger.Error().Err(err).Msg("Failed to initialize vault cipher, vault stays locked")
			return v
		}
		v.cipher = cipher
	}
	return v
}

// Locked reports whether the vault can decrypt key material.
func (v *Vault) Locked() bool {
	return v.cipher == nil
}

// CreateMasterKey onboards a tenant with a BIP39 mnemonic. The seed is
// encrypted before it touches the database; the mnemonic itself is
// never stored.
func (v *Vault) CreateMasterKey(ctx context.Context, tenantID, mnemonic string) (*models.MasterKey, error) {
	if v.Locked() {
		return nil, ErrVaultLocked
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic for tenant %s", tenantID)
	}

	seed := bip39.NewSeed(mnemonic, "")
	defer wipe(seed)

	pubKey, err := masterPublicKey(seed)
	if err != nil {
		return nil, err
	}

	encSeed, err := v.cipher.Seal(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt seed: %w", err)
	}

	masterKey := &models.MasterKey{
		TenantID:      tenantID,
		EncryptedSeed: encSeed,
		PublicKey:     pubKey,
	}

	err = v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.MasterKey{}).Where("tenant_id = ?", tenantID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrMasterKeyExists
		}
		return tx.Create(masterKey).Error
	})
	if err != nil {
		if errors.Is(err, ErrMasterKeyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to store master key: %w", err)
	}

	v.logger.Info().Str("tenant_id", tenantID).Msg("Master key created")
	return masterKey, nil
}

// DeriveAddress assigns the next derivation index of the master key and
// creates the deposit address row. The index advance is a conditional
// update, so two concurrent calls can never be assigned the same index.
func (v *Vault) DeriveAddress(ctx context.Context, masterKeyID uint) (string, uint32, error) {
	if v.Locked() {
		return "", 0, ErrVaultLocked
	}

	for attempt := 0; attempt < deriveRetries; attempt++ {
		address, index, err := v.deriveOnce(ctx, masterKeyID)
		if err == nil {
			metrics.AddressesDerived.Inc()
			v.logger.Info().
				Uint("master_key_id", masterKeyID).
				Str("address", address).
				Uint32("index", index).
				Msg("Derived deposit address")
			return address, index, nil
		}
		if !errors.Is(err, errIndexContended) {
			return "", 0, err
		}
	}
	return "", 0, fmt.Errorf("failed to derive address for master key %d: %w", masterKeyID, errIndexContended)
}

func (v *Vault) deriveOnce(ctx context.Context, masterKeyID uint) (string, uint32, error) {
	var masterKey models.MasterKey
	if err := v.db.WithContext(ctx).First(&masterKey, masterKeyID).Error; err != nil {
		return "", 0, fmt.Errorf("failed to load master key %d: %w", masterKeyID, err)
	}

	if masterKey.LastIndex == math.MaxUint32 {
		return "", 0, ErrIndexExhausted
	}
	next := masterKey.LastIndex + 1

	seed, err := v.cipher.Open(masterKey.EncryptedSeed)
	if err != nil {
		return "", 0, fmt.Errorf("failed to decrypt seed: %w", ErrVaultLocked)
	}
	defer wipe(seed)

	address, privKey, err := deriveKey(seed, next)
	if err != nil {
		return "", 0, err
	}
	defer wipe(privKey)

	encKey, err := v.cipher.Seal(privKey)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encrypt private key: %w", err)
	}

	var contended bool
	err = v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.MasterKey{}).
			Where("id = ? AND last_index = ?", masterKeyID, masterKey.LastIndex).
			Update("last_index", next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			contended = true
			return errIndexContended
		}

		return tx.Create(&models.DepositAddress{
			MasterKeyID:     masterKeyID,
			DerivationIndex: next,
			TenantID:        masterKey.TenantID,
			Address:         address,
			EncryptedKey:    encKey,
		}).Error
	})
	if err != nil {
		if contended {
			return "", 0, errIndexContended
		}
		return "", 0, fmt.Errorf("failed to record derived address: %w", err)
	}

	return address, next, nil
}

// SigningKey is a decrypted private key scoped to one signing
// operation. Callers must Wipe it as soon as the signature is produced.
type SigningKey struct {
	raw     []byte
	address string
}

// Address returns the TRON address the key controls.
func (k *SigningKey) Address() string {
	return k.address
}

// ECDSA returns the key in the form the transaction signer consumes.
func (k *SigningKey) ECDSA() (*ecdsa.PrivateKey, error) {
	if len(k.raw) == 0 {
		return nil, errors.New("signing key already wiped")
	}
	return crypto.ToECDSA(k.raw)
}

// Wipe zeroes the key material. Safe to call more than once.
func (k *SigningKey) Wipe() {
	wipe(k.raw)
	k.raw = nil
}

// GetSigningKey decrypts the private key for a deposit address. The
// key is never persisted or logged; the caller holds it only for the
// duration of the signing call.
func (v *Vault) GetSigningKey(ctx context.Context, addressID uint) (*SigningKey, error) {
	if v.Locked() {
		return nil, ErrVaultLocked
	}

	var addr models.DepositAddress
	if err := v.db.WithContext(ctx).First(&addr, addressID).Error; err != nil {
		return nil, fmt.Errorf("failed to load deposit address %d: %w", addressID, err)
	}

	raw, err := v.cipher.Open(addr.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt signing key for address %d: %w", addressID, ErrVaultLocked)
	}

	return &SigningKey{raw: raw, address: addr.Address}, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

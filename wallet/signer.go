package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

var (
	// ErrNoSigningMaterial is returned for watch-only wallets.
	ErrNoSigningMaterial = errors.New("wallet: no signing material")
	// ErrInvalidMnemonic is returned when the mnemonic fails the BIP-39 checksum.
	ErrInvalidMnemonic = errors.New("wallet: invalid mnemonic")
)

// derivationPath is m/44'/60'/0'/0/0, the first account of the standard
// Ethereum BIP-44 tree.
var derivationPath = []uint32{
	bip32.FirstHardenedChild + 44,
	bip32.FirstHardenedChild + 60,
	bip32.FirstHardenedChild + 0,
	0,
	0,
}

// Signer turns a wallet's mnemonic and salt into its private key.
type Signer struct{}

// NewSigner returns the default BIP-39/BIP-32 signer.
func NewSigner() Signer {
	return Signer{}
}

// PrivateKey derives the key for w. The salt is used as the BIP-39 passphrase.
func (Signer) PrivateKey(w Wallet) (*ecdsa.PrivateKey, error) {
	if !w.CanSign() {
		return nil, ErrNoSigningMaterial
	}
	return DeriveKey(w.Mnemonic, w.Salt)
}

// DeriveKey derives the first Ethereum account key from mnemonic and salt.
func DeriveKey(mnemonic, salt string) (*ecdsa.PrivateKey, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, salt)

	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("wallet: master key: %w", err)
	}
	for _, idx := range derivationPath {
		key, err = key.NewChildKey(idx)
		if err != nil {
			return nil, fmt.Errorf("wallet: derive child %d: %w", idx, err)
		}
	}

	priv, err := crypto.ToECDSA(key.Key)
	if err != nil {
		return nil, fmt.Errorf("wallet: decode private key: %w", err)
	}
	return priv, nil
}

// AddressOf returns the hex address controlled by key.
func AddressOf(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

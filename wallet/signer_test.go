package wallet

import (
	"errors"
	"testing"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestDeriveKey_Deterministic(t *testing.T) {
	k1, err := DeriveKey(testMnemonic, "salt-1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveKey(testMnemonic, "salt-1")
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}
	if AddressOf(k1) != AddressOf(k2) {
		t.Fatalf("expected identical addresses, got %s and %s", AddressOf(k1), AddressOf(k2))
	}

	k3, err := DeriveKey(testMnemonic, "salt-2")
	if err != nil {
		t.Fatalf("derive other salt: %v", err)
	}
	if AddressOf(k1) == AddressOf(k3) {
		t.Fatal("expected salt to change the derived account")
	}
}

func TestDeriveKey_NoSaltMatchesStandardPath(t *testing.T) {
	key, err := DeriveKey(testMnemonic, "")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	// First account of the well-known test mnemonic at m/44'/60'/0'/0/0.
	const want = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	if got := AddressOf(key); got != want {
		t.Fatalf("address = %s, want %s", got, want)
	}
}

func TestDeriveKey_InvalidMnemonic(t *testing.T) {
	if _, err := DeriveKey("not a mnemonic", "salt"); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
}

func TestSigner_RequiresMaterial(t *testing.T) {
	_, err := NewSigner().PrivateKey(Wallet{Address: "0xabc", Mnemonic: testMnemonic})
	if !errors.Is(err, ErrNoSigningMaterial) {
		t.Fatalf("expected ErrNoSigningMaterial, got %v", err)
	}
}

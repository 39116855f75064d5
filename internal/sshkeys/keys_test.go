package sshkeys

import (
	"context"
	"strings"
	"testing"
)

func TestGenerateKeyPairInMemory(t *testing.T) {
	keyPair, err := GenerateKeyPairInMemory()
	if err != nil {
		t.Fatalf("GenerateKeyPairInMemory: %v", err)
	}

	if !strings.Contains(keyPair.PrivateKey, "RSA PRIVATE KEY") {
		t.Error("private key is not PEM encoded")
	}
	if !strings.HasPrefix(keyPair.PublicKey, "ssh-rsa ") {
		t.Errorf("public key is not in authorized_keys format: %q", keyPair.PublicKey[:min(len(keyPair.PublicKey), 20)])
	}
}

func TestGetOrGenerateKeyPairIsStable(t *testing.T) {
	dir := t.TempDir()

	first, err := GetOrGenerateKeyPair(dir)
	if err != nil {
		t.Fatalf("first GetOrGenerateKeyPair: %v", err)
	}
	second, err := GetOrGenerateKeyPair(dir)
	if err != nil {
		t.Fatalf("second GetOrGenerateKeyPair: %v", err)
	}

	if first.PrivateKey != second.PrivateKey {
		t.Error("private key changed between calls")
	}
	if first.PublicKey != second.PublicKey {
		t.Error("public key changed between calls")
	}
}

func TestFileKeyProviderDeletePurgesStoredPair(t *testing.T) {
	ctx := context.Background()
	keyProvider := NewFileKeyProvider(t.TempDir())

	first, err := keyProvider.GetOrCreate(ctx)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := keyProvider.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// With the files gone a fresh pair is generated.
	second, err := keyProvider.GetOrCreate(ctx)
	if err != nil {
		t.Fatalf("GetOrCreate after Delete: %v", err)
	}
	if first.PrivateKey == second.PrivateKey {
		t.Error("Delete left the stored key pair in place")
	}
}

func TestKeyPairsDifferAcrossDirectories(t *testing.T) {
	a, err := GetOrGenerateKeyPair(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, err := GetOrGenerateKeyPair(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if a.PrivateKey == b.PrivateKey {
		t.Error("two directories produced the same key")
	}
}

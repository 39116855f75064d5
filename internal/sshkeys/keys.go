package sshkeys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// KeyPair represents an SSH key pair held in memory.
type KeyPair struct {
	PrivateKey string // PEM-encoded
	PublicKey  string // OpenSSH authorized_keys format
}

// GenerateKeyPairInMemory generates a new RSA key pair without touching disk.
func GenerateKeyPairInMemory() (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %v", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	publicKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate public key: %v", err)
	}

	return &KeyPair{
		PrivateKey: string(privateKeyPEM),
		PublicKey:  string(ssh.MarshalAuthorizedKey(publicKey)),
	}, nil
}

// GetOrGenerateKeyPair gets an existing SSH key pair from keyDir or generates
// and persists a new one.
func GetOrGenerateKeyPair(keyDir string) (*KeyPair, error) {
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %v", err)
	}

	privateKeyPath := filepath.Join(keyDir, "benchfleet_key")
	publicKeyPath := filepath.Join(keyDir, "benchfleet_key.pub")

	if _, err := os.Stat(privateKeyPath); err == nil {
		privateKeyBytes, err := os.ReadFile(privateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read existing private key: %v", err)
		}

		if _, err := os.Stat(publicKeyPath); err == nil {
			publicKeyBytes, err := os.ReadFile(publicKeyPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read existing public key: %v", err)
			}
			return &KeyPair{
				PrivateKey: string(privateKeyBytes),
				PublicKey:  string(publicKeyBytes),
			}, nil
		}

		// Private key exists but public key doesn't, regenerate public key
		return regeneratePublicKey(privateKeyBytes, publicKeyPath)
	}

	keyPair, err := GenerateKeyPairInMemory()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(privateKeyPath, []byte(keyPair.PrivateKey), 0600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %v", err)
	}
	if err := os.WriteFile(publicKeyPath, []byte(keyPair.PublicKey), 0644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %v", err)
	}

	return keyPair, nil
}

// removeKeyFiles removes the generated key files from keyDir.
func removeKeyFiles(keyDir string) error {
	for _, name := range []string{"benchfleet_key", "benchfleet_key.pub"} {
		if err := os.Remove(filepath.Join(keyDir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove key file %s: %v", name, err)
		}
	}
	return nil
}

// regeneratePublicKey derives and persists the public key from an existing
// private key.
func regeneratePublicKey(privateKeyBytes []byte, publicKeyPath string) (*KeyPair, error) {
	block, _ := pem.Decode(privateKeyBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %v", err)
	}

	publicKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate public key: %v", err)
	}

	publicKeyString := string(ssh.MarshalAuthorizedKey(publicKey))
	if err := os.WriteFile(publicKeyPath, []byte(publicKeyString), 0644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %v", err)
	}

	return &KeyPair{
		PrivateKey: string(privateKeyBytes),
		PublicKey:  publicKeyString,
	}, nil
}

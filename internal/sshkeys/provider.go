package sshkeys

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"benchfleet/internal/logging"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const sshKeysPath = "/config/ssh_keys"

// KeyProvider defines the interface for SSH key management. The prepare and
// cleanup invocations must resolve the same key material, the same way they
// share the plan snapshot.
type KeyProvider interface {
	// GetOrCreate retrieves existing keys or creates new ones
	GetOrCreate(ctx context.Context) (*KeyPair, error)
	// Save saves the key pair to storage
	Save(ctx context.Context, keyPair *KeyPair) error
	// Delete removes the keys from storage
	Delete(ctx context.Context) error
	// Close closes any connections
	Close() error
}

// EtcdKeyProvider stores SSH keys in etcd
type EtcdKeyProvider struct {
	client *clientv3.Client
}

// NewEtcdKeyProvider creates a new etcd-based key provider
func NewEtcdKeyProvider(endpoints []string) (*EtcdKeyProvider, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdKeyProvider{client: cli}, nil
}

// GetOrCreate retrieves existing keys from etcd or creates new ones
func (p *EtcdKeyProvider) GetOrCreate(ctx context.Context) (*KeyPair, error) {
	resp, err := p.client.Get(ctx, sshKeysPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get SSH keys from etcd: %w", err)
	}

	if len(resp.Kvs) > 0 {
		var stored storedKeyPair
		if err := json.Unmarshal(resp.Kvs[0].Value, &stored); err != nil {
			return nil, fmt.Errorf("failed to unmarshal SSH keys: %w", err)
		}
		logging.Logger().Info("Using existing SSH keys from etcd")
		return &KeyPair{
			PrivateKey: stored.PrivateKey,
			PublicKey:  stored.PublicKey,
		}, nil
	}

	logging.Logger().Info("No SSH keys found in etcd, generating new key pair")
	keyPair, err := GenerateKeyPairInMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to generate SSH key pair: %w", err)
	}

	if err := p.Save(ctx, keyPair); err != nil {
		return nil, fmt.Errorf("failed to save SSH keys to etcd: %w", err)
	}

	logging.Logger().Info("SSH keys generated and stored in etcd")
	return keyPair, nil
}

// Save saves the key pair to etcd
func (p *EtcdKeyProvider) Save(ctx context.Context, keyPair *KeyPair) error {
	stored := storedKeyPair{
		PrivateKey: keyPair.PrivateKey,
		PublicKey:  keyPair.PublicKey,
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal SSH keys: %w", err)
	}
	if _, err := p.client.Put(ctx, sshKeysPath, string(data)); err != nil {
		return fmt.Errorf("failed to save SSH keys to etcd: %w", err)
	}
	return nil
}

// Delete removes the keys from etcd
func (p *EtcdKeyProvider) Delete(ctx context.Context) error {
	if _, err := p.client.Delete(ctx, sshKeysPath); err != nil {
		return fmt.Errorf("failed to delete SSH keys from etcd: %w", err)
	}
	return nil
}

// Close closes the etcd client
func (p *EtcdKeyProvider) Close() error {
	return p.client.Close()
}

// storedKeyPair represents the JSON structure stored in etcd
type storedKeyPair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// FileKeyProvider persists SSH keys under a local directory. This is the
// single-machine default: both lifecycle stages run on the same host.
type FileKeyProvider struct {
	keyDir string
}

// NewFileKeyProvider creates a file-backed key provider rooted at keyDir
func NewFileKeyProvider(keyDir string) *FileKeyProvider {
	return &FileKeyProvider{keyDir: keyDir}
}

// GetOrCreate loads the key pair from disk or generates and persists one
func (p *FileKeyProvider) GetOrCreate(ctx context.Context) (*KeyPair, error) {
	return GetOrGenerateKeyPair(p.keyDir)
}

// Save is a no-op: GetOrGenerateKeyPair already persisted the pair
func (p *FileKeyProvider) Save(ctx context.Context, keyPair *KeyPair) error {
	return nil
}

// Delete removes the key files
func (p *FileKeyProvider) Delete(ctx context.Context) error {
	return removeKeyFiles(p.keyDir)
}

// Close is a no-op for the file provider
func (p *FileKeyProvider) Close() error {
	return nil
}

// NewKeyProvider creates the appropriate key provider based on etcd availability
func NewKeyProvider(etcdEndpoints []string, keyDir string) KeyProvider {
	if len(etcdEndpoints) == 0 {
		logging.Logger().Info("No etcd endpoints configured, using file key provider",
			zap.String("key_dir", keyDir))
		return NewFileKeyProvider(keyDir)
	}

	provider, err := NewEtcdKeyProvider(etcdEndpoints)
	if err != nil {
		logging.Logger().Warn("Failed to connect to etcd, falling back to file key provider",
			zap.Error(err))
		return NewFileKeyProvider(keyDir)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := provider.client.Get(ctx, "/test_connection"); err != nil {
		logging.Logger().Warn("etcd connection test failed, falling back to file key provider",
			zap.Error(err))
		provider.Close()
		return NewFileKeyProvider(keyDir)
	}

	logging.Logger().Info("Connected to etcd for SSH key storage",
		zap.Strings("endpoints", etcdEndpoints))
	return provider
}

package rpt

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/store"
	"github.com/custodix/remitter/internal/store/schema"
)

// KeyStore manages the RPT signing keys: one active kid plus retired and
// revoked keys. Only public keys are ever published externally.
type KeyStore struct {
	store store.Store
}

// NewKeyStore creates a key store over the given store
func NewKeyStore(s store.Store) *KeyStore {
	return &KeyStore{store: s}
}

// Bootstrap ensures an active signing key exists, generating one if the store
// is empty. Returns the active kid.
func (k *KeyStore) Bootstrap(ctx context.Context) (string, error) {
	active, err := k.store.GetActiveSigningKey(ctx)
	if err != nil {
		return "", err
	}
	if active != nil {
		return active.Kid, nil
	}
	return k.Rotate(ctx)
}

// Rotate retires the current active key (if any) and activates a freshly
// generated pair. Returns the new kid.
func (k *KeyStore) Rotate(ctx context.Context) (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate signing key: %w", err)
	}

	kid := "rpt-" + uuid.NewString()
	newKey := &schema.SigningKey{
		Kid:        kid,
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv.Seed()),
		Status:     schema.SigningKeyActive,
	}

	err = k.store.Transact(ctx, func(tx store.Store) error {
		active, err := tx.GetActiveSigningKey(ctx)
		if err != nil {
			return err
		}
		if active != nil {
			if err := tx.UpdateSigningKeyStatus(ctx, active.Kid, schema.SigningKeyRetired); err != nil {
				return err
			}
		}
		return tx.InsertSigningKey(ctx, newKey)
	})
	if err != nil {
		return "", err
	}
	return kid, nil
}

// Revoke marks a key revoked; tokens signed under it fail verification
func (k *KeyStore) Revoke(ctx context.Context, kid string) error {
	return k.store.UpdateSigningKeyStatus(ctx, kid, schema.SigningKeyRevoked)
}

// Active returns the active signing key with decoded private material
func (k *KeyStore) Active(ctx context.Context) (string, ed25519.PrivateKey, error) {
	key, err := k.store.GetActiveSigningKey(ctx)
	if err != nil {
		return "", nil, err
	}
	if key == nil {
		return "", nil, domain.ErrKeyNotFound
	}
	seed, err := base64.StdEncoding.DecodeString(key.PrivateKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode private key for %s: %w", key.Kid, err)
	}
	if len(seed) != ed25519.SeedSize {
		return "", nil, fmt.Errorf("invalid seed length for %s", key.Kid)
	}
	return key.Kid, ed25519.NewKeyFromSeed(seed), nil
}

// PublicKey resolves the verification key for a kid. Revoked keys return
// domain.ErrKeyRevoked, unknown kids domain.ErrKeyNotFound.
func (k *KeyStore) PublicKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	key, err := k.store.GetSigningKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	if key.Status == schema.SigningKeyRevoked {
		return nil, domain.ErrKeyRevoked
	}
	pub, err := base64.StdEncoding.DecodeString(key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key for %s: %w", kid, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length for %s", kid)
	}
	return ed25519.PublicKey(pub), nil
}

// PublishedKey is the externally visible portion of a verification key
type PublishedKey struct {
	Kid       string `json:"kid"`
	PublicKey string `json:"public_key"`
	Status    string `json:"status"`
}

// Published returns the active and retired public keys for external consumers
func (k *KeyStore) Published(ctx context.Context) ([]PublishedKey, error) {
	keys, err := k.store.ListVerificationKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PublishedKey, 0, len(keys))
	for _, key := range keys {
		out = append(out, PublishedKey{Kid: key.Kid, PublicKey: key.PublicKey, Status: string(key.Status)})
	}
	return out, nil
}

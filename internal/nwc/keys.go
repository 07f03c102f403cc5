package nwc

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/satsend/nwcpay/internal/errors"
)

// Keys is the client side key material of one session: the keypair derived
// from the connection secret plus the NIP-04 shared secret with the wallet
// service. Never persisted.
type Keys struct {
	PublicKey    string
	secretKey    string
	sharedSecret []byte
}

// DeriveKeys derives the client keypair and the ECDH shared secret from a
// parsed connection. Deterministic; fails only on an invalid scalar.
func DeriveKeys(conn *Connection) (*Keys, error) {
	if err := validateSecret(conn.ClientSecret); err != nil {
		return nil, errors.New(errors.InvalidSecretKeyError, err)
	}
	pub, err := nostr.GetPublicKey(conn.ClientSecret)
	if err != nil {
		return nil, errors.New(errors.InvalidSecretKeyError, err)
	}
	shared, err := nip04.ComputeSharedSecret(conn.ServicePubkey, conn.ClientSecret)
	if err != nil {
		return nil, errors.New(errors.InvalidSecretKeyError, fmt.Errorf("could not compute shared secret: %v", err))
	}
	return &Keys{
		PublicKey:    pub,
		secretKey:    conn.ClientSecret,
		sharedSecret: shared,
	}, nil
}

// Encrypt encrypts a request payload with the session's shared secret.
func (k *Keys) Encrypt(plaintext string) (string, error) {
	ciphertext, err := nip04.Encrypt(plaintext, k.sharedSecret)
	if err != nil {
		return "", errors.New(errors.EncryptionError, err)
	}
	return ciphertext, nil
}

// Decrypt decrypts a response payload with the session's shared secret.
func (k *Keys) Decrypt(ciphertext string) (string, error) {
	plaintext, err := nip04.Decrypt(ciphertext, k.sharedSecret)
	if err != nil {
		return "", errors.New(errors.DecryptionError, err)
	}
	return plaintext, nil
}

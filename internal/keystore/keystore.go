// Package keystore manages a peer's RSA-PSS signing identity and the
// known-hosts table used to recognize previously-seen peers by public
// key. Keys are generated with the standard library (no pack dependency
// implements PSS) and exported/imported as JSON Web Keys via
// github.com/lestrrat-go/jwx, matching the JWK-string wire format.
package keystore

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/jwk"

	"github.com/rtchat/meshcore/internal/storage"
	"github.com/rtchat/meshcore/internal/util"
)

const (
	keyPrivateIdentity = "identity.privateKey"
	pssSaltLength       = 32
	rsaKeyBits           = 2048
)

// Identity is a peer's RSA-PSS signing keypair.
type Identity struct {
	Private *rsa.PrivateKey
}

// PublicKeyString renders the identity's public key as a JSON Web Key
// string, the canonical form exchanged between peers and stored in the
// known-hosts table.
func (id *Identity) PublicKeyString() (string, error) {
	return publicJWKString(&id.Private.PublicKey)
}

func publicJWKString(pub *rsa.PublicKey) (string, error) {
	key, err := jwk.New(pub)
	if err != nil {
		return "", fmt.Errorf("keystore: build public jwk: %w", err)
	}
	b, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("keystore: marshal public jwk: %w", err)
	}
	return string(b), nil
}

// ParsePublicKeyString parses a JWK string produced by PublicKeyString
// back into an *rsa.PublicKey.
func ParsePublicKeyString(s string) (*rsa.PublicKey, error) {
	key, err := jwk.ParseKey([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("keystore: parse public jwk: %w", err)
	}
	var pub rsa.PublicKey
	if err := key.Raw(&pub); err != nil {
		return nil, fmt.Errorf("keystore: extract rsa public key: %w", err)
	}
	return &pub, nil
}

// IdentityString returns name's identity string: barename + "|" +
// the public key JWK string.
func IdentityString(name string, id *Identity) (string, error) {
	pub, err := id.PublicKeyString()
	if err != nil {
		return "", err
	}
	return util.Barename(name) + "|" + pub, nil
}

// Generate always produces a fresh RSA-PSS keypair; it neither reads nor
// writes storage.
func Generate() (*Identity, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}
	return &Identity{Private: priv}, nil
}

// Load returns the identity persisted in store, generating and
// persisting a fresh one if absent — unless allowGenerate is false, in
// which case a missing identity is a plain error.
func Load(store storage.Store, allowGenerate bool) (*Identity, error) {
	raw, ok := store.Get(keyPrivateIdentity)
	if ok {
		key, err := jwk.ParseKey([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("keystore: parse stored private key: %w", err)
		}
		var priv rsa.PrivateKey
		if err := key.Raw(&priv); err != nil {
			return nil, fmt.Errorf("keystore: extract stored rsa private key: %w", err)
		}
		return &Identity{Private: &priv}, nil
	}
	if !allowGenerate {
		return nil, fmt.Errorf("keystore: no identity stored and generation disabled")
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := Save(store, id); err != nil {
		return nil, err
	}
	return id, nil
}

// ResetIdentity removes the persisted private key, so the next Load call
// generates a fresh one.
func ResetIdentity(store storage.Store) error {
	return store.Remove(keyPrivateIdentity)
}

// Save persists id's private key to store as a JWK string.
func Save(store storage.Store, id *Identity) error {
	key, err := jwk.New(id.Private)
	if err != nil {
		return fmt.Errorf("keystore: build private jwk: %w", err)
	}
	b, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("keystore: marshal private jwk: %w", err)
	}
	return store.Set(keyPrivateIdentity, string(b))
}

// NewChallenge returns 32 cryptographically random bytes rendered as a
// length-32 Latin-1 string (each byte is one rune 0-255, stored as raw
// bytes — a plain Go string already has this representation).
func NewChallenge() (string, error) {
	buf := make([]byte, pssSaltLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("keystore: generate challenge: %w", err)
	}
	return string(buf), nil
}

// Sign signs challenge with id's private key using RSA-PSS/SHA-256 with
// a 32-byte salt, returning the signature in the same raw-byte-string
// encoding as the challenge.
func Sign(id *Identity, challenge string) (string, error) {
	hashed := sha256.Sum256([]byte(challenge))
	sig, err := rsa.SignPSS(rand.Reader, id.Private, crypto.SHA256, hashed[:], &rsa.PSSOptions{
		SaltLength: pssSaltLength,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("keystore: sign: %w", err)
	}
	return string(sig), nil
}

// Verify reports whether signature is a valid RSA-PSS/SHA-256 signature
// of challenge under publicKey.
func Verify(publicKey *rsa.PublicKey, signature, challenge string) bool {
	hashed := sha256.Sum256([]byte(challenge))
	err := rsa.VerifyPSS(publicKey, crypto.SHA256, hashed[:], []byte(signature), &rsa.PSSOptions{
		SaltLength: pssSaltLength,
		Hash:       crypto.SHA256,
	})
	return err == nil
}

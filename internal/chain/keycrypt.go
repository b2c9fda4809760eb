package chain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// encryptKeyMaterial seals non-EVM private key material (WIFs, ed25519
// seeds) under the platform keystore secret with AES-256-GCM. EVM keys use
// the go-ethereum keystore format instead.
func encryptKeyMaterial(secret, plaintext string) (string, error) {
	keyHash := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(keyHash[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// decryptKeyMaterial reverses encryptKeyMaterial.
func decryptKeyMaterial(secret, encrypted string) (string, error) {
	sealed, err := hex.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decode key material: %w", err)
	}

	keyHash := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(keyHash[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("key material too short")
	}

	plain, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("open key material: %w", err)
	}
	return string(plain), nil
}

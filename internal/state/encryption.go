package state

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
)

// EncryptionKeyEnvVar names the passphrase that seals state documents at
// rest. When unset, state is stored as plain JSON.
const EncryptionKeyEnvVar = "WINDLASS_STATE_ENCRYPTION_KEY"

// Sealed documents are a marker line followed by base64(nonce || ciphertext).
const encryptedHeader = "# WINDLASS_ENCRYPTED_STATE\n"

// EncryptState seals a plaintext state document with AES-256-GCM. Without a
// configured passphrase the document passes through unchanged.
func EncryptState(plain []byte) ([]byte, error) {
	aead, err := stateAEAD()
	if err != nil {
		return nil, err
	}
	if aead == nil {
		return plain, nil
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)

	var buf bytes.Buffer
	buf.Grow(len(encryptedHeader) + base64.StdEncoding.EncodedLen(len(sealed)) + 1)
	buf.WriteString(encryptedHeader)
	buf.WriteString(base64.StdEncoding.EncodeToString(sealed))
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// DecryptState opens a sealed state document. Unsealed documents pass
// through, so a store keeps reading state written before the key existed.
func DecryptState(doc []byte) ([]byte, error) {
	if !IsEncrypted(doc) {
		return doc, nil
	}

	aead, err := stateAEAD()
	if err != nil {
		return nil, err
	}
	if aead == nil {
		return nil, fmt.Errorf("state is encrypted but %s is not set", EncryptionKeyEnvVar)
	}

	body := bytes.TrimSpace(bytes.TrimPrefix(doc, []byte(encryptedHeader)))
	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
	n, err := base64.StdEncoding.Decode(sealed, body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted state: %w", err)
	}
	sealed = sealed[:n]

	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("encrypted state truncated at %d bytes", len(sealed))
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state (wrong key?): %w", err)
	}
	return plain, nil
}

// IsEncrypted reports whether doc carries the sealed-state marker.
func IsEncrypted(doc []byte) bool {
	return bytes.HasPrefix(doc, []byte(encryptedHeader))
}

// stateAEAD builds the cipher for the configured passphrase, or nil when
// encryption is off. The AES-256 key is the SHA-256 digest of the
// passphrase, so passphrases are not length-restricted.
func stateAEAD() (cipher.AEAD, error) {
	pass := os.Getenv(EncryptionKeyEnvVar)
	if pass == "" {
		return nil, nil
	}
	key := sha256.Sum256([]byte(pass))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

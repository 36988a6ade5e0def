// Package phi provides AES-256-GCM envelope encryption for clinical payloads.
// Every persisted payload is stored as an Envelope: a fresh random nonce, the
// GCM authentication tag, and the ciphertext, each base64-encoded.
package phi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrIntegrity indicates the authentication tag did not verify: the
	// ciphertext was tampered with or sealed under a different key.
	ErrIntegrity = errors.New("envelope integrity check failed")

	// ErrFormat indicates the stored envelope fields are malformed or missing.
	ErrFormat = errors.New("envelope is malformed")
)

// Envelope is the encrypted-at-rest form of a payload.
type Envelope struct {
	Nonce      string `json:"nonce"`
	Tag        string `json:"tag"`
	Ciphertext string `json:"ciphertext"`
}

// IsZero reports whether the envelope carries no data.
func (e Envelope) IsZero() bool {
	return e.Nonce == "" && e.Tag == "" && e.Ciphertext == ""
}

// Encryptor seals and opens envelopes under a single process-wide key.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an Encryptor with the given 32-byte AES-256 key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Seal serializes the payload as JSON (map keys are emitted in sorted order,
// so serialization is canonical) and encrypts it under a fresh nonce.
func (e *Encryptor) Seal(payload map[string]interface{}) (Envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("phi seal: marshal payload: %w", err)
	}
	return e.SealBytes(plaintext)
}

// SealBytes encrypts raw bytes under a fresh nonce.
func (e *Encryptor) SealBytes(plaintext []byte) (Envelope, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("phi seal: generate nonce: %w", err)
	}

	// Seal returns ciphertext with the tag appended; store them separately.
	sealed := e.aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - e.aead.Overhead()

	return Envelope{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(sealed[split:]),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:split]),
	}, nil
}

// Open decrypts an envelope sealed by Seal and returns the payload map.
func (e *Encryptor) Open(env Envelope) (map[string]interface{}, error) {
	plaintext, err := e.OpenBytes(env)
	if err != nil {
		return nil, err
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: decrypted payload is not a JSON object", ErrFormat)
	}
	return payload, nil
}

// OpenBytes decrypts an envelope sealed by SealBytes.
func (e *Encryptor) OpenBytes(env Envelope) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce encoding", ErrFormat)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: bad tag encoding", ErrFormat)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrFormat)
	}

	if len(nonce) != e.aead.NonceSize() || len(tag) != e.aead.Overhead() {
		return nil, fmt.Errorf("%w: wrong nonce or tag length", ErrFormat)
	}

	plaintext, err := e.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// PayloadHash returns the hex-encoded SHA-256 of the canonical JSON encoding
// of the payload. Stored beside the envelope as an integrity reference for
// the decrypted content.
func PayloadHash(payload map[string]interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the hex-encoded SHA-256 of raw content, used for file
// attachments.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

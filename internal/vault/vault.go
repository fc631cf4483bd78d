// Package vault encrypts adapter credentials before they are persisted and
// decrypts them for the duration of a single gateway operation. Envelopes are
// AES-256-GCM with a fresh random nonce per call; the algorithm id, nonce,
// ciphertext and authentication tag travel as separate fields so that a
// tampered or truncated envelope is rejected instead of yielding garbage.
//
// The master key is loaded once at startup and kept inside a memguard enclave.
// It is only unsealed into locked memory for the duration of a Seal or Open.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the required master key length (AES-256).
	KeySize = 32

	envelopeVersion = "v1"
	algAES256GCM    = "aes-256-gcm"
	tagSize         = 16
)

var (
	// ErrKeyLengthInvalid is returned when a master key is not exactly 32 bytes.
	ErrKeyLengthInvalid = errors.New("vault: key must be exactly 32 bytes for AES-256")
	// ErrSaltTooShort is returned when a PBKDF2 salt is shorter than 16 bytes.
	ErrSaltTooShort = errors.New("vault: salt must be at least 16 bytes")
)

// DecryptionError reports an envelope that could not be opened, either because
// it is malformed or because the active key cannot authenticate it.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	return "vault: decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Vault seals and opens credential envelopes with a single process-wide key.
type Vault struct {
	key *memguard.Enclave
}

// New creates a vault from a 32-byte master key. The caller's slice is left
// untouched; the vault keeps its own protected copy.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != KeySize {
		return nil, ErrKeyLengthInvalid
	}
	keyCopy := make([]byte, KeySize)
	copy(keyCopy, masterKey)
	// NewEnclave wipes keyCopy once it has been sealed.
	return &Vault{key: memguard.NewEnclave(keyCopy)}, nil
}

// Derive creates a vault from a passphrase using PBKDF2-SHA256.
func Derive(passphrase string, salt []byte, iterations int) (*Vault, error) {
	key, err := DeriveKey(passphrase, salt, iterations)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)
	return New(key)
}

// DeriveKey stretches a passphrase into a 32-byte key.
func DeriveKey(passphrase string, salt []byte, iterations int) ([]byte, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if iterations < 10000 {
		iterations = 100000
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New), nil
}

func (v *Vault) aead() (cipher.AEAD, func(), error) {
	buf, err := v.key.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("vault: failed to unseal key: %w", err)
	}
	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, err
	}
	return gcm, buf.Destroy, nil
}

// Encrypt seals plaintext into an envelope of the form
// v1$aes-256-gcm$<nonce>$<ciphertext>$<tag> (fields base64url, unpadded).
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	gcm, release, err := v.aead()
	if err != nil {
		return "", err
	}
	defer release()

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, []byte(algAES256GCM))
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	enc := base64.RawURLEncoding
	return strings.Join([]string{
		envelopeVersion,
		algAES256GCM,
		enc.EncodeToString(nonce),
		enc.EncodeToString(ct),
		enc.EncodeToString(tag),
	}, "$"), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (v *Vault) Decrypt(envelope string) ([]byte, error) {
	parts := strings.Split(envelope, "$")
	if len(parts) != 5 || parts[0] != envelopeVersion {
		return nil, &DecryptionError{Reason: "malformed envelope"}
	}
	if parts[1] != algAES256GCM {
		return nil, &DecryptionError{Reason: fmt.Sprintf("unsupported algorithm %q", parts[1])}
	}

	enc := base64.RawURLEncoding
	nonce, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, &DecryptionError{Reason: "malformed nonce", Err: err}
	}
	ct, err := enc.DecodeString(parts[3])
	if err != nil {
		return nil, &DecryptionError{Reason: "malformed ciphertext", Err: err}
	}
	tag, err := enc.DecodeString(parts[4])
	if err != nil {
		return nil, &DecryptionError{Reason: "malformed tag", Err: err}
	}
	if len(tag) != tagSize {
		return nil, &DecryptionError{Reason: "malformed tag"}
	}

	gcm, release, err := v.aead()
	if err != nil {
		return nil, err
	}
	defer release()

	if len(nonce) != gcm.NonceSize() {
		return nil, &DecryptionError{Reason: "malformed nonce"}
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(algAES256GCM))
	if err != nil {
		return nil, &DecryptionError{Reason: "authentication failed (wrong key or tampered envelope)", Err: err}
	}
	return plaintext, nil
}

// SealCredentials JSON-encodes a credential map and encrypts it.
func (v *Vault) SealCredentials(creds map[string]string) (string, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("vault: failed to encode credentials: %w", err)
	}
	defer memguard.WipeBytes(raw)
	return v.Encrypt(raw)
}

// OpenCredentials decrypts an envelope produced by SealCredentials. The
// returned map is owned by the caller and should not outlive the operation.
func (v *Vault) OpenCredentials(envelope string) (map[string]string, error) {
	raw, err := v.Decrypt(envelope)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(raw)

	var creds map[string]string
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, &DecryptionError{Reason: "credential payload is not valid JSON", Err: err}
	}
	return creds, nil
}

// GenerateKey creates a cryptographically secure random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

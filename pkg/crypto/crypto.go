// Package crypto implements authenticated symmetric encryption of rows
// and individual column values at rest (spec.md §4.2).
//
// The token format is structurally equivalent to Fernet: a version byte,
// an 8-byte big-endian millisecond timestamp, a 16-byte random IV,
// AES-128-CBC ciphertext, and a 32-byte HMAC-SHA256 tag over everything
// preceding it, all base64-url encoded with padding. The key is
// derived once via PBKDF2-HMAC-SHA256 from four key-part byte strings
// and a fixed salt, then split into a 16-byte signing key and a 16-byte
// encryption key the way Fernet derives its two halves from one 32-byte
// key.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coldb/coldb/pkg/cerr"
	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenVersion  byte = 0x80
	pbkdf2Iters        = 100000
	saltDefault        = "coldb-row-encryption-salt-v1"
)

// KeyParts are the compile-time (or test-injected) key-part byte
// strings combined before PBKDF2 stretching. Spec.md §9 asks
// implementers to make key material injectable rather than a hidden
// process-wide singleton.
type KeyParts [4][]byte

// DefaultKeyParts mirrors the shape of the Python original's four
// obfuscated byte constants. Callers in production should supply their
// own via Manager's constructor rather than relying on this default.
var DefaultKeyParts = KeyParts{
	[]byte("coldb-"),
	[]byte("key-part-"),
	[]byte("build-secret-"),
	[]byte("2025!@"),
}

// Manager performs row/value encryption and decryption with one derived
// key. It is safe for concurrent use.
type Manager struct {
	signKey [16]byte
	encKey  [16]byte

	// LegacyOpaqueOnFailure restores the original implementation's
	// behavior of returning the ciphertext unchanged when integrity
	// verification fails, instead of surfacing cerr.IntegrityError.
	// Off by default; see spec.md §9 and DESIGN.md. Intended only as a
	// migration-period escape hatch.
	LegacyOpaqueOnFailure bool
}

// NewManager derives a key from parts and a salt and returns a ready
// Manager. An empty salt uses saltDefault.
func NewManager(parts KeyParts, salt string) *Manager {
	if salt == "" {
		salt = saltDefault
	}
	var combined []byte
	for _, p := range parts {
		combined = append(combined, p...)
	}
	derived := pbkdf2.Key(combined, []byte(salt), pbkdf2Iters, 32, sha256.New)

	m := &Manager{}
	copy(m.signKey[:], derived[:16])
	copy(m.encKey[:], derived[16:32])
	return m
}

// Encrypt produces a self-contained authenticated token for plaintext.
func (m *Manager) Encrypt(plaintext []byte) ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("crypto: generate iv: %w", err)
	}

	block, err := aes.NewCipher(m.encKey[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	var header bytes.Buffer
	header.WriteByte(tokenVersion)
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, uint64(time.Now().UnixMilli()))
	header.Write(tsBuf)
	header.Write(iv)
	header.Write(ciphertext)

	mac := hmac.New(sha256.New, m.signKey[:])
	mac.Write(header.Bytes())
	tag := mac.Sum(nil)

	token := append(header.Bytes(), tag...)
	out := make([]byte, base64.URLEncoding.EncodedLen(len(token)))
	base64.URLEncoding.Encode(out, token)
	return out, nil
}

// Decrypt verifies and decrypts a token produced by Encrypt. On
// authentication failure it returns cerr.IntegrityError unless
// LegacyOpaqueOnFailure is set, in which case it returns the input
// unchanged (spec.md §9 redesign flag).
func (m *Manager) Decrypt(token []byte) ([]byte, error) {
	raw := make([]byte, base64.URLEncoding.DecodedLen(len(token)))
	n, err := base64.URLEncoding.Decode(raw, token)
	if err != nil {
		return m.onFailure(token, fmt.Errorf("crypto: %w: malformed token: %v", cerr.IntegrityError, err))
	}
	raw = raw[:n]

	if len(raw) < 1+8+aes.BlockSize+sha256.Size {
		return m.onFailure(token, fmt.Errorf("crypto: %w: truncated token", cerr.IntegrityError))
	}

	tagStart := len(raw) - sha256.Size
	header, tag := raw[:tagStart], raw[tagStart:]

	mac := hmac.New(sha256.New, m.signKey[:])
	mac.Write(header)
	want := mac.Sum(nil)
	if subtle.ConstantTimeCompare(tag, want) != 1 {
		return m.onFailure(token, fmt.Errorf("crypto: %w: authentication failed", cerr.IntegrityError))
	}

	if header[0] != tokenVersion {
		return m.onFailure(token, fmt.Errorf("crypto: %w: unsupported version", cerr.IntegrityError))
	}

	iv := header[9 : 9+aes.BlockSize]
	ciphertext := header[9+aes.BlockSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return m.onFailure(token, fmt.Errorf("crypto: %w: invalid ciphertext length", cerr.IntegrityError))
	}

	block, err := aes.NewCipher(m.encKey[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plainPadded, ciphertext)

	plain, err := pkcs7Unpad(plainPadded)
	if err != nil {
		return m.onFailure(token, fmt.Errorf("crypto: %w: %v", cerr.IntegrityError, err))
	}
	return plain, nil
}

func (m *Manager) onFailure(token []byte, err error) ([]byte, error) {
	if m.LegacyOpaqueOnFailure {
		return token, nil
	}
	return nil, err
}

// EncryptRow JSON-encodes and encrypts the whole row as one token.
func (m *Manager) EncryptRow(row map[string]any) ([]byte, error) {
	plaintext, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal row: %w", err)
	}
	return m.Encrypt(plaintext)
}

// DecryptRow reverses EncryptRow.
func (m *Manager) DecryptRow(token []byte) (map[string]any, error) {
	plaintext, err := m.Decrypt(token)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	if err := json.Unmarshal(plaintext, &row); err != nil {
		return nil, fmt.Errorf("crypto: %w: unmarshal row: %v", cerr.IntegrityError, err)
	}
	return row, nil
}

// EncryptValue encrypts a single value and base64-url encodes the result
// into a string suitable for storing in a STRING-typed column.
func (m *Manager) EncryptValue(value any) (string, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("crypto: marshal value: %w", err)
	}
	token, err := m.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return string(token), nil
}

// DecryptValue reverses EncryptValue.
func (m *Manager) DecryptValue(encoded string) (any, error) {
	plaintext, err := m.Decrypt([]byte(encoded))
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return nil, fmt.Errorf("crypto: %w: unmarshal value: %v", cerr.IntegrityError, err)
	}
	return value, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty padded data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}

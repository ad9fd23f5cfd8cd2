// Package crypto encrypts backup archives with AES-256-GCM under a key
// derived from a user password. The password is never stored; it has to be
// supplied again to restore.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrInvalidPassword is returned when the provided password is incorrect.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrInvalidArchive is returned when the archive format is invalid.
	ErrInvalidArchive = errors.New("invalid archive format")
)

const (
	// PasswordMinLength is the minimum required password length.
	PasswordMinLength = 8
	// SaltLength is the length of the random salt for key derivation.
	SaltLength = 32
	// KeyIterations is the PBKDF2-SHA256 iteration count.
	KeyIterations = 100_000

	headerMagic   = "ADHBKUP"
	headerVersion = 1
	algorithm     = "AES-256-GCM"
)

// ArchiveHeader precedes the ciphertext. It carries no password material.
type ArchiveHeader struct {
	Version   uint8
	Algorithm string
	Nonce     []byte
	Salt      []byte
}

// IsEncrypted reports whether data starts with an encrypted archive header.
func IsEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, []byte(headerMagic))
}

// EncryptArchive seals data under password. The result is the header
// followed by the GCM ciphertext.
func EncryptArchive(data []byte, password string) ([]byte, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	header, err := serializeHeader(ArchiveHeader{
		Version:   headerVersion,
		Algorithm: algorithm,
		Nonce:     nonce,
		Salt:      salt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize header: %w", err)
	}

	// The header is authenticated as additional data.
	out := make([]byte, len(header), len(header)+len(data)+gcm.Overhead())
	copy(out, header)
	return gcm.Seal(out, nonce, data, header), nil
}

// DecryptArchive opens data sealed by EncryptArchive. A wrong password and
// a tampered archive both yield ErrInvalidPassword.
func DecryptArchive(encryptedData []byte, password string) ([]byte, error) {
	header, headerLen, err := parseHeader(encryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if header.Version != headerVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidArchive, header.Version)
	}
	if header.Algorithm != algorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %s", ErrInvalidArchive, header.Algorithm)
	}

	gcm, err := newGCM(password, header.Salt)
	if err != nil {
		return nil, err
	}
	if len(header.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: nonce length %d", ErrInvalidArchive, len(header.Nonce))
	}

	plaintext, err := gcm.Open(nil, header.Nonce, encryptedData[headerLen:], encryptedData[:headerLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPassword, err)
	}
	return plaintext, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// deriveKey derives a 32-byte key with PBKDF2-SHA256.
func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, KeyIterations, 32, sha256.New)
}

// serializeHeader writes magic, version, then length-prefixed algorithm,
// nonce and salt.
func serializeHeader(h ArchiveHeader) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(headerMagic)
	buf.WriteByte(h.Version)

	for _, field := range [][]byte{[]byte(h.Algorithm), h.Nonce, h.Salt} {
		if len(field) > 255 {
			return nil, errors.New("header field too long")
		}
		buf.WriteByte(byte(len(field)))
		buf.Write(field)
	}
	return buf.Bytes(), nil
}

// parseHeader returns the header and its encoded length.
func parseHeader(data []byte) (ArchiveHeader, int, error) {
	var h ArchiveHeader
	if !IsEncrypted(data) {
		return h, 0, errors.New("missing archive magic")
	}
	pos := len(headerMagic)
	if len(data) <= pos {
		return h, 0, errors.New("archive too short")
	}
	h.Version = data[pos]
	pos++

	fields := make([][]byte, 3)
	for i := range fields {
		if len(data) <= pos {
			return h, 0, errors.New("archive too short")
		}
		n := int(data[pos])
		pos++
		if len(data) < pos+n {
			return h, 0, fmt.Errorf("archive too short: %d < %d", len(data), pos+n)
		}
		fields[i] = data[pos : pos+n]
		pos += n
	}
	h.Algorithm = string(fields[0])
	h.Nonce = fields[1]
	h.Salt = fields[2]
	return h, pos, nil
}

// ValidatePassword checks if a password meets minimum requirements.
func ValidatePassword(password string) error {
	if len(password) < PasswordMinLength {
		return fmt.Errorf("password must be at least %d characters", PasswordMinLength)
	}
	return nil
}

// GeneratePassword returns a random URL-safe password of at least
// PasswordMinLength characters.
func GeneratePassword(length int) (string, error) {
	if length < PasswordMinLength {
		length = PasswordMinLength
	}
	randomBytes := make([]byte, length)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	password := base64.RawURLEncoding.EncodeToString(randomBytes)
	return password[:length], nil
}

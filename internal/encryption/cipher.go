package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Prefix marks values produced by Encrypt.
const Prefix = "ENC:v1:"

const KeySize = 32

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidKey       = errors.New("invalid encryption key")
)

// UsageRecorder receives one call per successful cryptographic operation.
type UsageRecorder interface {
	RecordUsage(keyName string)
}

// Service encrypts opaque strings with AES-256-GCM.
type Service struct {
	aead    cipher.AEAD
	master  []byte
	keyName string
	usage   UsageRecorder
	logger  *slog.Logger
}

type Option func(*Service)

// WithKeyName labels the key for usage accounting.
func WithKeyName(name string) Option {
	return func(s *Service) {
		s.keyName = name
	}
}

func WithUsageRecorder(r UsageRecorder) Option {
	return func(s *Service) {
		s.usage = r
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a service from a 32-byte key.
func New(key []byte, opts ...Option) (*Service, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	s := &Service{
		aead:    aead,
		master:  append([]byte(nil), key...),
		keyName: "master",
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// NewFromString decodes a hex, base64 or raw 32-byte key.
func NewFromString(key string, opts ...Option) (*Service, error) {
	decoded, err := DecodeKey(key)
	if err != nil {
		return nil, err
	}
	return New(decoded, opts...)
}

// DecodeKey accepts 64 hex characters, standard base64, or a raw 32-byte string.
func DecodeKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if len(key) == 2*KeySize {
		if b, err := hex.DecodeString(key); err == nil {
			return b, nil
		}
	}
	if b, err := base64.StdEncoding.DecodeString(key); err == nil && len(b) == KeySize {
		return b, nil
	}
	if len(key) == KeySize {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("%w: expected 32 bytes as hex, base64 or raw", ErrInvalidKey)
}

// ForPurpose derives an independent service whose key is bound to purpose.
// Ciphertext from one purpose does not decrypt under another.
func (s *Service) ForPurpose(purpose string) (*Service, error) {
	r := hkdf.New(sha256.New, s.master, nil, []byte("tritrack-compliance/"+purpose))
	sub := make([]byte, KeySize)
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", purpose, err)
	}
	return New(sub,
		WithKeyName(s.keyName+"/"+purpose),
		WithUsageRecorder(s.usage),
		WithLogger(s.logger),
	)
}

func (s *Service) KeyName() string {
	return s.keyName
}

// IsEncrypted is a prefix check, not a cryptographic one.
func (s *Service) IsEncrypted(value string) bool {
	return IsEncrypted(value)
}

func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Encrypt returns empty and already-encrypted input unchanged.
func (s *Service) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncryptionFailed, err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	s.recordUsage()
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt returns input without the prefix unchanged. A prefixed value that
// fails to decode or authenticate yields ErrDecryptionFailed.
func (s *Service) Decrypt(ciphertext string) (string, error) {
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: malformed encoding: %v", ErrDecryptionFailed, err)
	}
	if len(raw) < s.aead.NonceSize()+s.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, sealed := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		s.logger.Warn("decryption failed", "key_name", s.keyName, "error", err)
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	s.recordUsage()
	return string(plain), nil
}

func (s *Service) recordUsage() {
	if s.usage != nil {
		s.usage.RecordUsage(s.keyName)
	}
}

// GenerateKey returns 32 random bytes suitable for New.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

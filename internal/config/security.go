package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// encryptedPrefix marks tokens sealed by a SecurityManager. Tokens without
// it are taken as plaintext and sealed on the next save.
const encryptedPrefix = "enc:"

const (
	saltSize         = 32
	keySize          = 32
	pbkdf2Iterations = 100000
)

// SecurityManager seals credentials stored in the profiles file
type SecurityManager interface {
	EncryptCredential(plaintext string) (string, error)
	DecryptCredential(sealed string) (string, error)
}

// IsEncrypted reports whether token was sealed by a SecurityManager
func IsEncrypted(token string) bool {
	return strings.HasPrefix(token, encryptedPrefix)
}

// AESSecurityManager seals credentials with AES-256-GCM. The key is derived
// with PBKDF2 from a per-install salt and a machine-specific passphrase.
type AESSecurityManager struct {
	keyPath   string
	masterKey []byte
}

// NewSecurityManager creates a security manager whose salt lives under
// $XDG_DATA_HOME/companion (or ~/.local/share/companion)
func NewSecurityManager() (*AESSecurityManager, error) {
	keyPath, err := defaultKeyPath()
	if err != nil {
		return nil, fmt.Errorf("failed to determine security key path: %w", err)
	}
	return NewSecurityManagerAt(keyPath)
}

// NewSecurityManagerAt creates a security manager with its salt at keyPath,
// generating the salt if it does not exist
func NewSecurityManagerAt(keyPath string) (*AESSecurityManager, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create security directory: %w", err)
	}

	s := &AESSecurityManager{keyPath: keyPath}
	salt, err := s.loadOrCreateSalt()
	if err != nil {
		return nil, err
	}
	s.masterKey = pbkdf2.Key([]byte(machinePassphrase()), salt, pbkdf2Iterations, keySize, sha256.New)
	return s, nil
}

func defaultKeyPath() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "companion", "master.key"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "companion", "master.key"), nil
}

func (s *AESSecurityManager) loadOrCreateSalt() ([]byte, error) {
	data, err := os.ReadFile(s.keyPath)
	if err == nil {
		salt, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode key material: %w", err)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key material: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(s.keyPath, []byte(hex.EncodeToString(salt)), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key material: %w", err)
	}
	return salt, nil
}

// machinePassphrase ties the derived key to this host and user
func machinePassphrase() string {
	hostname, _ := os.Hostname()
	username := os.Getenv("USER")
	if username == "" {
		username = os.Getenv("USERNAME")
	}
	return fmt.Sprintf("companion-console-%s-%s", hostname, username)
}

// EncryptCredential seals plaintext and returns it in storable form
func (s *AESSecurityManager) EncryptCredential(plaintext string) (string, error) {
	gcm, err := s.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptCredential opens a value produced by EncryptCredential
func (s *AESSecurityManager) DecryptCredential(sealed string) (string, error) {
	if !IsEncrypted(sealed) {
		return "", fmt.Errorf("credential is not encrypted")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode credential: %w", err)
	}

	gcm, err := s.aead()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("credential is too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(plaintext), nil
}

func (s *AESSecurityManager) aead() (cipher.AEAD, error) {
	if len(s.masterKey) != keySize {
		return nil, fmt.Errorf("encryption key not available")
	}
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

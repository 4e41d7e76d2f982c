// Package crypto implements the server's end-to-end encrypted session
// cryptography: RSA-2048 key exchange, AES-128-CBC sealed frames, and
// salted password hashing.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const (
	rsaKeyBits  = 2048
	aesKeySize  = 16
	aesBlockLen = 16
	pemKeyType  = "RSA PRIVATE KEY"
)

// Sentinel errors for the crypto failure taxonomy (spec.md §7).
var (
	// ErrNoAESKey is returned by Seal/Open before the session's AES
	// key has been established by key exchange.
	ErrNoAESKey = errors.New("crypto: no AES key negotiated")
	// ErrInvalidKey is returned when importing a malformed peer RSA
	// public key.
	ErrInvalidKey = errors.New("crypto: invalid key")
	// ErrBadPadding is returned by Open when the ciphertext does not
	// decrypt to validly padded plaintext (wrong key, corrupt frame,
	// or tampering).
	ErrBadPadding = errors.New("crypto: bad padding")
)

// Crypto holds one connection's cryptographic state: a long-lived RSA
// keypair (shared across connections via LoadOrCreateRSA, or generated
// fresh per test) and the AES-128 key negotiated during key exchange.
type Crypto struct {
	rsaKey *rsa.PrivateKey
	aesKey []byte
}

// New wraps an existing RSA private key (e.g. the server's long-lived
// identity key) in a fresh per-connection Crypto with no AES key yet.
func New(rsaKey *rsa.PrivateKey) *Crypto {
	return &Crypto{rsaKey: rsaKey}
}

// LoadOrCreateRSA loads a PEM-encoded RSA-2048 private key from path,
// generating and persisting a new one on first run. Mirrors the
// node-identity-key pattern of reading a PEM block if present and
// writing a freshly generated one otherwise.
func LoadOrCreateRSA(path string) (*rsa.PrivateKey, error) {
	if buf, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(buf)
		if block == nil {
			return nil, fmt.Errorf("crypto: %s does not contain a PEM block", path)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("crypto: parse private key: %w", err)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("crypto: read %s: %w", path, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate RSA key: %w", err)
	}
	block := &pem.Block{Type: pemKeyType, Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("crypto: write %s: %w", path, err)
	}
	return key, nil
}

// PublicKeyBytes returns the PEM-encoded public key, ready to be
// base64-wrapped into a KEY~ frame.
func (c *Crypto) PublicKeyBytes() []byte {
	der := x509.MarshalPKCS1PublicKey(&c.rsaKey.PublicKey)
	block := &pem.Block{Type: "RSA PUBLIC KEY", Bytes: der}
	return pem.EncodeToMemory(block)
}

// ParsePublicKey decodes a PEM-encoded RSA public key received from a
// peer during key exchange.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// DecryptRSA decrypts ciphertext produced with EncryptRSA against this
// Crypto's private key (PKCS1-OAEP/SHA-256).
func (c *Crypto) DecryptRSA(ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, c.rsaKey, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: rsa decrypt: %w", err)
	}
	return pt, nil
}

// EncryptRSA encrypts plaintext for peerPub using PKCS1-OAEP/SHA-256.
func EncryptRSA(plaintext []byte, peerPub *rsa.PublicKey) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, peerPub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: rsa encrypt: %w", err)
	}
	return ct, nil
}

// SetAESKey installs the session's symmetric key, typically decoded
// from the client's RSA-wrapped key-exchange frame.
func (c *Crypto) SetAESKey(key []byte) {
	c.aesKey = key
}

// HasAESKey reports whether key exchange has completed.
func (c *Crypto) HasAESKey() bool {
	return c.aesKey != nil
}

// GenerateAESKey creates a fresh random 128-bit AES key, used by
// clients (and by tests standing in for a client) to originate a
// session key before RSA-wrapping it for the server.
func GenerateAESKey() ([]byte, error) {
	return RandomBytes(aesKeySize)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: random bytes: %w", err)
	}
	return b, nil
}

// Seal encrypts plain with AES-128-CBC under a fresh random IV,
// PKCS7-padding the plaintext to the block size first.
func (c *Crypto) Seal(plain []byte) (ciphertext, iv []byte, err error) {
	if c.aesKey == nil {
		return nil, nil, ErrNoAESKey
	}
	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	iv, err = RandomBytes(aesBlockLen)
	if err != nil {
		return nil, nil, err
	}
	padded := pkcs7Pad(plain, aesBlockLen)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return ct, iv, nil
}

// Open decrypts ciphertext sealed with Seal under the given iv,
// stripping PKCS7 padding.
func (c *Crypto) Open(ciphertext, iv []byte) ([]byte, error) {
	if c.aesKey == nil {
		return nil, ErrNoAESKey
	}
	if len(ciphertext) == 0 || len(ciphertext)%aesBlockLen != 0 {
		return nil, ErrBadPadding
	}
	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	if len(iv) != aesBlockLen {
		return nil, ErrBadPadding
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain)
}

// HashPassword returns hex(SHA-256(password ∥ salt ∥ pepper)).
func HashPassword(password string, salt, pepper []byte) string {
	h := sha256.New()
	h.Write([]byte(password))
	h.Write(salt)
	h.Write(pepper)
	return fmt.Sprintf("%x", h.Sum(nil))
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-padLen], nil
}

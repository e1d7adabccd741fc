package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// ErrDecrypt is returned for any authenticated-decryption failure: bad
// key, tampered ciphertext, malformed parameters. Clients treat it as a
// signal that the room's shared secret is stale.
var ErrDecrypt = errors.New("message decryption failed")

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
	saltSize     = 32
)

// EncryptedMessage carries a ciphertext with the parameters needed to
// reverse it, all hex-encoded for the wire except the ciphertext itself
// which is base64.
type EncryptedMessage struct {
	Ciphertext string
	IV         string
	AuthTag    string
	Salt       string
}

// deriveKey stretches a DH shared secret into an AES-256 key. The
// intermediate encryption key is hashed together with a per-message salt
// so every message uses a distinct key even under a long-lived secret.
func deriveKey(sharedSecret, salt []byte) []byte {
	ek := sha256.Sum256(sharedSecret)
	material := base64.StdEncoding.EncodeToString(ek[:])
	raw := sha256.Sum256(append([]byte(material), salt...))
	return raw[:32]
}

// EncryptMessage seals plaintext under a key derived from the shared
// secret and a fresh salt, with a fresh random nonce.
func EncryptMessage(plaintext string, sharedSecret []byte) (*EncryptedMessage, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(deriveKey(sharedSecret, salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return &EncryptedMessage{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         hex.EncodeToString(nonce),
		AuthTag:    hex.EncodeToString(tag),
		Salt:       hex.EncodeToString(salt),
	}, nil
}

// DecryptMessage reverses EncryptMessage. Any failure, parameter or
// authentication alike, is reported as ErrDecrypt.
func DecryptMessage(msg *EncryptedMessage, sharedSecret []byte) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}
	nonce, err := hex.DecodeString(msg.IV)
	if err != nil || len(nonce) != gcmNonceSize {
		return "", ErrDecrypt
	}
	tag, err := hex.DecodeString(msg.AuthTag)
	if err != nil || len(tag) != gcmTagSize {
		return "", ErrDecrypt
	}
	salt, err := hex.DecodeString(msg.Salt)
	if err != nil {
		return "", ErrDecrypt
	}

	block, err := aes.NewCipher(deriveKey(sharedSecret, salt))
	if err != nil {
		return "", ErrDecrypt
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", ErrDecrypt
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

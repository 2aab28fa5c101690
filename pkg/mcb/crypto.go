package mcb

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	defaultNonceSize = 12 // 12 is the standard
)

// GetHashWithArgon uses Argon2id to derive a fixed-length key from a passphrase and salt.
func GetHashWithArgon(
	passphrase string,
	salt string,
	timeConsideration uint32,
	memoryMultiplier uint32,
	threads uint8,
	hashLength uint32) []byte {

	if passphrase == "" || salt == "" {
		return nil
	}

	if timeConsideration == 0 {
		timeConsideration = 1
	}

	if memoryMultiplier == 0 {
		memoryMultiplier = 64
	}

	if threads == 0 {
		threads = 1
	}

	return argon2.IDKey([]byte(passphrase), []byte(salt), timeConsideration, memoryMultiplier*1024, threads, hashLength)
}

// EncryptWithAes encrypts bytes based on an Aes compatible hashed key.
// If nonceSize is less than 12, the standard, 12, is used.
func EncryptWithAes(data, hashedKey []byte, nonceSize int) ([]byte, error) {

	if len(data) == 0 || len(hashedKey) == 0 {
		return nil, errors.New("data or hash can't be zero length")
	}

	if nonceSize < 12 {
		nonceSize = defaultNonceSize
	}

	block, err := aes.NewCipher(hashedKey)
	if err != nil {
		return nil, err
	}

	aesGcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	cipherData := aesGcm.Seal(nonce, nonce, data, nil)
	if len(cipherData) == 0 {
		return nil, errors.New("aes seal failed to generate encrypted data")
	}

	return cipherData, nil
}

// DecryptWithAes decrypts bytes based on an Aes compatible hashed key.
func DecryptWithAes(cipherDataWithNonce, hashedKey []byte, nonceSize int) ([]byte, error) {

	if nonceSize < 12 {
		nonceSize = defaultNonceSize
	}

	if len(cipherDataWithNonce) <= nonceSize || len(hashedKey) == 0 {
		return nil, errors.New("cipherDataWithNonce can't be smaller than the nonce and hash can't be zero length")
	}

	block, err := aes.NewCipher(hashedKey)
	if err != nil {
		return nil, err
	}

	aesGcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	nonce, cipherData := cipherDataWithNonce[:nonceSize], cipherDataWithNonce[nonceSize:]
	return aesGcm.Open(nil, nonce, cipherData, nil)
}

package state

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32

	saltLen = 16

	checkPlaintext = "ums-state"
)

var (
	saltKey     = []byte("seal_salt")
	checkKey    = []byte("seal_check")
	sealKeysKey = []byte("seal_keys")

	// sealPrefix marks an encrypted value: "enc:" + base64([nonce][ciphertext+tag]).
	sealPrefix = []byte("enc:")
)

// DeriveKey derives a 32-byte key from passphrase and salt using scrypt.
// Parameters: N=32768, r=8, p=1. The passphrase is normalized to NFKC.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// sealer encrypts values with AES-GCM and a random nonce per value.
type sealer struct {
	gcm cipher.AEAD
}

func newSealer(passphrase string, salt []byte) (*sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("state passphrase is empty")
	}

	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer zeroKey(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &sealer{gcm: gcm}, nil
}

func (c *sealer) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	raw := c.gcm.Seal(nonce, nonce, plaintext, nil)
	out := make([]byte, len(sealPrefix)+base64.StdEncoding.EncodedLen(len(raw)))
	copy(out, sealPrefix)
	base64.StdEncoding.Encode(out[len(sealPrefix):], raw)

	return out, nil
}

func (c *sealer) open(stored []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimPrefix(stored, sealPrefix)))
	if err != nil {
		return nil, fmt.Errorf("decoding sealed value: %w", err)
	}

	nonceSize := c.gcm.NonceSize()
	if len(raw) < nonceSize+c.gcm.Overhead() {
		return nil, fmt.Errorf("sealed value too short: %d bytes", len(raw))
	}

	plaintext, err := c.gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plaintext, nil
}

// decodeKeys parses the newline separated key list kept in the meta bucket.
func decodeKeys(v []byte) map[string]struct{} {
	set := make(map[string]struct{})

	for _, k := range strings.Split(string(v), "\n") {
		if k != "" {
			set[k] = struct{}{}
		}
	}

	return set
}

func encodeKeys(set map[string]struct{}) []byte {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return []byte(strings.Join(keys, "\n"))
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	return salt, nil
}

// zeroKey overwrites key material once the cipher has been built.
func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

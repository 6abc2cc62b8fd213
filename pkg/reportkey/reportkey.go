// Package reportkey implements the report key credential format: a
// bearer token carrying an encrypted account id, cryptographically
// bound to one key id, one deployment endpoint, and one account salt.
package reportkey

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/archodex/backend/pkg/apierror"
)

const (
	prefix = "archodex_report_api_key_"

	// Key ids are 6-digit decimal numbers.
	MinKeyID = 100000
	MaxKeyID = 999999

	// Account ids are 10-digit decimal numbers, disjoint from the key id
	// range so the two identifier spaces cannot be confused.
	MinAccountID = 1000000000

	SaltSize = 16
	KeySize  = 16
)

type payload struct {
	Version           int    `json:"version"`
	Endpoint          string `json:"endpoint"`
	AccountSalt       []byte `json:"account_salt"`
	Nonce             []byte `json:"nonce"`
	EncryptedContents []byte `json:"encrypted_contents"`
}

type contents struct {
	AccountID uint32 `json:"account_id"`
}

// aad builds the associated data authenticated alongside the encrypted
// contents. Canonicalized so that generation and validation always
// produce identical bytes for identical inputs.
func aad(keyID uint32, endpoint string, salt []byte) ([]byte, error) {
	raw, err := json.Marshal(map[string]any{
		"key_id":       keyID,
		"endpoint":     endpoint,
		"account_salt": salt,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding associated data: %w", err)
	}
	return jcs.Transform(raw)
}

// GenerateValue builds a report key value string for the given key id,
// deployment endpoint, account salt, and account id, encrypted with the
// deployment's 128-bit private key.
func GenerateValue(privateKey []byte, keyID uint32, endpoint string, salt []byte, accountID uint32) (string, error) {
	if len(privateKey) != KeySize {
		return "", fmt.Errorf("private key must be %d bytes, got %d", KeySize, len(privateKey))
	}
	if keyID < MinKeyID || keyID > MaxKeyID {
		return "", fmt.Errorf("key id %d outside valid range", keyID)
	}
	if len(salt) != SaltSize {
		return "", fmt.Errorf("account salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	if accountID < MinAccountID {
		return "", fmt.Errorf("account id %d below minimum", accountID)
	}

	block, err := aes.NewCipher(privateKey)
	if err != nil {
		return "", fmt.Errorf("initializing cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("initializing cipher: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	plaintext, err := json.Marshal(contents{AccountID: accountID})
	if err != nil {
		return "", fmt.Errorf("encoding key contents: %w", err)
	}
	ad, err := aad(keyID, endpoint, salt)
	if err != nil {
		return "", err
	}
	encrypted := gcm.Seal(nil, nonce, plaintext, ad)

	body, err := json.Marshal(payload{
		Version:           1,
		Endpoint:          endpoint,
		AccountSalt:       salt,
		Nonce:             nonce,
		EncryptedContents: encrypted,
	})
	if err != nil {
		return "", fmt.Errorf("encoding key payload: %w", err)
	}

	return fmt.Sprintf("%s%d_%s", prefix, keyID, base64.StdEncoding.EncodeToString(body)), nil
}

// ValidateValue authenticates a report key value against this
// deployment's endpoint and private key, returning the recovered
// account id and the key id. It checks cryptographic validity and
// endpoint binding only; revocation is a separate storage-backed check
// the caller must perform afterwards.
func ValidateValue(privateKey []byte, endpoint, value string) (accountID, keyID uint32, err error) {
	rest, ok := strings.CutPrefix(value, prefix)
	if !ok {
		return 0, 0, apierror.BadRequest("malformed report key value")
	}
	idStr, body, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, 0, apierror.BadRequest("malformed report key value")
	}
	id64, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil || id64 < MinKeyID || id64 > MaxKeyID {
		return 0, 0, apierror.BadRequest("malformed report key id")
	}
	keyID = uint32(id64)

	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return 0, 0, apierror.BadRequest("malformed report key payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var p payload
	if err := dec.Decode(&p); err != nil {
		return 0, 0, apierror.BadRequest("malformed report key payload")
	}
	if p.Version != 1 {
		return 0, 0, apierror.BadRequest("unsupported report key version %d", p.Version)
	}
	if p.Endpoint != endpoint {
		return 0, 0, apierror.Unauthorized("report key endpoint mismatch")
	}
	if len(p.AccountSalt) != SaltSize {
		return 0, 0, apierror.BadRequest("malformed report key salt")
	}

	block, err := aes.NewCipher(privateKey)
	if err != nil {
		return 0, 0, apierror.Internal("initializing cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return 0, 0, apierror.Internal("initializing cipher: %w", err)
	}
	// gcm.Open panics on a wrong-length nonce rather than erroring.
	if len(p.Nonce) != gcm.NonceSize() {
		return 0, 0, apierror.BadRequest("malformed report key nonce")
	}
	ad, err := aad(keyID, endpoint, p.AccountSalt)
	if err != nil {
		return 0, 0, apierror.Internal("building associated data: %w", err)
	}
	plaintext, err := gcm.Open(nil, p.Nonce, p.EncryptedContents, ad)
	if err != nil {
		return 0, 0, apierror.Unauthorized("report key authentication failed")
	}

	var c contents
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return 0, 0, apierror.Unauthorized("report key authentication failed")
	}
	if c.AccountID < MinAccountID {
		return 0, 0, apierror.Unauthorized("report key authentication failed")
	}
	return c.AccountID, keyID, nil
}

// NewKeyID draws a random key id from the 6-digit range.
func NewKeyID() (uint32, error) {
	return randomInRange(MinKeyID, MaxKeyID)
}

// NewAccountID draws a random account id from the 10-digit range.
func NewAccountID() (uint32, error) {
	return randomInRange(MinAccountID, 1<<32-1)
}

// NewSalt generates a fresh account salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating account salt: %w", err)
	}
	return salt, nil
}

// NewPrivateKey generates a fresh 128-bit deployment key.
func NewPrivateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	return key, nil
}

func randomInRange(min, max uint64) (uint32, error) {
	span := new(big.Int).SetUint64(max - min + 1)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return 0, fmt.Errorf("generating random id: %w", err)
	}
	return uint32(min + n.Uint64()), nil
}

// Package klap implements the client side of the Tapo KLAP protocol: the
// two-phase seed handshake, session key derivation, and the AES-CBC request
// channel used to talk to P304M power strips and related Tapo plugs.
//
// The package is split along the lifecycle of a session:
//   - cipher.go: pure key derivation and payload encryption (no state, no locking)
//   - handshake.go: handshake1/handshake2 exchange producing a Session
//   - channel.go: encrypted request/response exchange bound to one Session
//   - transport.go: the byte-level transport and its net/http implementation
package klap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Sizes of the protocol's fixed-length fields.
const (
	// SeedSize is the length of both the local and remote handshake seeds.
	SeedSize = 16

	// ProofSize is the length of the handshake proofs (a SHA-256 digest).
	ProofSize = sha256.Size

	// KeySize is the AES-128 session key length.
	KeySize = 16

	// IVSize is the length of the fixed IV prefix; the last four bytes of
	// the 16-byte CBC IV carry the request sequence number.
	IVSize = 12

	// SigKeySize is the length of the request signing key.
	SigKeySize = 28

	// SignatureSize is the length of the signature prefixed to every
	// encrypted request body.
	SignatureSize = sha256.Size
)

var (
	// ErrInvalidCiphertext is returned for empty or non block-aligned ciphertext.
	ErrInvalidCiphertext = errors.New("klap: ciphertext is not a whole number of blocks")

	// ErrInvalidPadding is returned when PKCS#7 padding does not verify.
	ErrInvalidPadding = errors.New("klap: invalid padding")

	// ErrShortPayload is returned when an encrypted body is shorter than its signature.
	ErrShortPayload = errors.New("klap: payload shorter than signature")

	// ErrSignatureMismatch is returned when a body signature does not verify.
	ErrSignatureMismatch = errors.New("klap: signature mismatch")

	// ErrInvalidKeyMaterial is returned when a key or IV has the wrong length.
	ErrInvalidKeyMaterial = errors.New("klap: invalid key material")
)

// Credentials are the Tapo account identifier and secret. They are only used
// to compute the auth hash; the plain values never leave the process.
type Credentials struct {
	Username string
	Password string
}

// AuthHash computes sha256(sha1(username) || sha1(password)), the shared
// secret both sides prove knowledge of during the handshake.
func AuthHash(c Credentials) []byte {
	u := sha1.Sum([]byte(c.Username))
	p := sha1.Sum([]byte(c.Password))
	return sha256Concat(u[:], p[:])
}

// Handshake1Proof is the value the device returns in handshake1 to prove it
// derived the same auth hash: sha256(local || remote || auth).
func Handshake1Proof(localSeed, remoteSeed, authHash []byte) []byte {
	return sha256Concat(localSeed, remoteSeed, authHash)
}

// Handshake2Proof is the confirmation the client submits in handshake2:
// sha256(remote || local || auth).
func Handshake2Proof(localSeed, remoteSeed, authHash []byte) []byte {
	return sha256Concat(remoteSeed, localSeed, authHash)
}

// KeyMaterial is the symmetric state derived from one completed handshake.
type KeyMaterial struct {
	Key []byte // AES-128 key
	IV  []byte // 12-byte IV prefix
	Seq int32  // initial sequence number
	Sig []byte // 28-byte signing key
}

// DeriveSessionKey derives the session key material from the auth hash and
// both handshake seeds. The result is deterministic for identical inputs.
func DeriveSessionKey(authHash, remoteSeed, localSeed []byte) KeyMaterial {
	key := sha256Concat([]byte("lsk"), localSeed, remoteSeed, authHash)
	iv := sha256Concat([]byte("iv"), localSeed, remoteSeed, authHash)
	sig := sha256Concat([]byte("ldk"), localSeed, remoteSeed, authHash)

	return KeyMaterial{
		Key: key[:KeySize],
		IV:  iv[:IVSize],
		Seq: int32(binary.BigEndian.Uint32(iv[len(iv)-4:])),
		Sig: sig[:SigKeySize],
	}
}

// Valid reports whether all fields have their protocol lengths.
func (km KeyMaterial) Valid() bool {
	return len(km.Key) == KeySize && len(km.IV) == IVSize && len(km.Sig) == SigKeySize
}

// Encrypt encrypts plaintext for the given wire sequence number and returns
// signature || ciphertext.
func (km KeyMaterial) Encrypt(seq int32, plaintext []byte) ([]byte, error) {
	if !km.Valid() {
		return nil, ErrInvalidKeyMaterial
	}

	ciphertext, err := EncryptPayload(km.Key, km.ivFor(seq), plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, SignatureSize+len(ciphertext))
	out = append(out, km.sign(seq, ciphertext)...)
	return append(out, ciphertext...), nil
}

// Decrypt strips the signature from body and decrypts the remainder with the
// IV bound to seq. A body encrypted for another sequence number fails the
// padding check or yields garbage that the caller rejects when parsing.
func (km KeyMaterial) Decrypt(seq int32, body []byte) ([]byte, error) {
	if !km.Valid() {
		return nil, ErrInvalidKeyMaterial
	}
	if len(body) < SignatureSize {
		return nil, ErrShortPayload
	}
	return DecryptPayload(km.Key, km.ivFor(seq), body[SignatureSize:])
}

// Verify checks the signature prefix of body for seq.
func (km KeyMaterial) Verify(seq int32, body []byte) error {
	if len(body) < SignatureSize {
		return ErrShortPayload
	}
	if !hmac.Equal(body[:SignatureSize], km.sign(seq, body[SignatureSize:])) {
		return ErrSignatureMismatch
	}
	return nil
}

func (km KeyMaterial) ivFor(seq int32) []byte {
	iv := make([]byte, aes.BlockSize)
	copy(iv, km.IV)
	binary.BigEndian.PutUint32(iv[IVSize:], uint32(seq))
	return iv
}

func (km KeyMaterial) sign(seq int32, ciphertext []byte) []byte {
	return sha256Concat(km.Sig, seqBytes(seq), ciphertext)
}

// EncryptPayload encrypts plaintext with AES-CBC and PKCS#7 padding.
func EncryptPayload(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	if len(iv) != aes.BlockSize {
		return nil, ErrInvalidKeyMaterial
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// DecryptPayload reverses EncryptPayload. Padding is checked strictly:
// malformed padding is an error and is never trimmed leniently.
func DecryptPayload(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	if len(iv) != aes.BlockSize {
		return nil, ErrInvalidKeyMaterial
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	for i := 0; i < n; i++ {
		out = append(out, byte(n))
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}

func seqBytes(seq int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(seq))
	return b
}

func sha256Concat(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

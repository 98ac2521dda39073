// Package secrets encrypts transfer openings for their receivers.
//
// Every wallet has a public encryption key derived from its verification
// key. A sender encrypts the opening (amount, blinding) of the transferred
// commitment to the receiver's encryption key; only the holder of the wallet
// secret can decrypt it. Encryption is ECIES style: an ephemeral secp256k1
// key agreement, HKDF-SHA256, then ChaCha20-Poly1305.
package secrets

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"

	"confidential/internal/crypto"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// EncryptionKeySize is the size of a compressed encryption key.
	EncryptionKeySize = btcec.PubKeyBytesLenCompressed

	openingSize = 8 + fr.Bytes

	// EncryptedDataSize is the fixed size of an encrypted opening.
	EncryptedDataSize = EncryptionKeySize + openingSize + chacha20poly1305.Overhead
)

var (
	// ErrDecryption is returned when a payload cannot be opened with the
	// given key.
	ErrDecryption = errors.New("unable to decrypt payload")

	// ErrMalformedData is returned for payloads of the wrong shape.
	ErrMalformedData = errors.New("malformed encrypted data")

	hkdfInfo = []byte("confidential ledger opening v1")
)

// EncryptionKey is the public key payloads are encrypted to.
type EncryptionKey [EncryptionKeySize]byte

// DeriveEncryptionKey derives the encryption key of a wallet from its
// verification key. The derivation is deterministic so every replica stores
// the same key.
func DeriveEncryptionKey(pk crypto.PublicKey) (EncryptionKey, error) {
	var key EncryptionKey
	p, err := pk.Point()
	if err != nil {
		return key, err
	}
	copy(key[:], p.SerializeCompressed())
	return key, nil
}

// String returns the hex encoding of the key.
func (k EncryptionKey) String() string {
	return hex.EncodeToString(k[:])
}

// Opening is the plaintext behind a commitment.
type Opening struct {
	Amount   uint64
	Blinding fr.Element
}

// NewOpening draws a random blinding factor for amount.
func NewOpening(amount uint64) (Opening, error) {
	r, err := crypto.RandomBlinding()
	if err != nil {
		return Opening{}, err
	}
	return Opening{Amount: amount, Blinding: r}, nil
}

// ZeroOpening opens the initial balance of a new wallet.
func ZeroOpening() Opening {
	return Opening{}
}

// Commitment returns the commitment this opening opens.
func (o Opening) Commitment() crypto.Commitment {
	return crypto.Commit(o.Amount, &o.Blinding)
}

// Add returns the opening of the sum of both commitments. It fails if the
// sum does not fit in 64 bits.
func (o Opening) Add(other Opening) (Opening, error) {
	if o.Amount > math.MaxUint64-other.Amount {
		return Opening{}, fmt.Errorf("amount overflow: %d + %d",
			o.Amount, other.Amount)
	}
	var out Opening
	out.Amount = o.Amount + other.Amount
	out.Blinding.Add(&o.Blinding, &other.Blinding)
	return out, nil
}

// Sub returns the opening of the difference of both commitments. It fails
// if the difference would be negative.
func (o Opening) Sub(other Opening) (Opening, error) {
	if other.Amount > o.Amount {
		return Opening{}, fmt.Errorf("insufficient amount: %d < %d",
			o.Amount, other.Amount)
	}
	var out Opening
	out.Amount = o.Amount - other.Amount
	out.Blinding.Sub(&o.Blinding, &other.Blinding)
	return out, nil
}

func (o Opening) encode() []byte {
	b := make([]byte, openingSize)
	binary.BigEndian.PutUint64(b[:8], o.Amount)
	blinding := o.Blinding.Bytes()
	copy(b[8:], blinding[:])
	return b
}

func decodeOpening(b []byte) (Opening, error) {
	var o Opening
	if len(b) != openingSize {
		return o, ErrMalformedData
	}
	o.Amount = binary.BigEndian.Uint64(b[:8])
	if err := o.Blinding.SetBytesCanonical(b[8:]); err != nil {
		return o, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	return o, nil
}

// EncryptedData is an opening encrypted to a wallet's encryption key.
type EncryptedData struct {
	Ephemeral  [EncryptionKeySize]byte
	Ciphertext []byte
}

// Bytes returns the wire encoding.
func (d EncryptedData) Bytes() []byte {
	b := make([]byte, 0, EncryptionKeySize+len(d.Ciphertext))
	b = append(b, d.Ephemeral[:]...)
	return append(b, d.Ciphertext...)
}

// ParseEncryptedData decodes the wire encoding. Only the shape is checked;
// whether the payload decrypts is up to the receiver.
func ParseEncryptedData(b []byte) (EncryptedData, error) {
	var d EncryptedData
	if len(b) != EncryptedDataSize {
		return d, fmt.Errorf("%w: length %d", ErrMalformedData, len(b))
	}
	copy(d.Ephemeral[:], b[:EncryptionKeySize])
	d.Ciphertext = append([]byte(nil), b[EncryptionKeySize:]...)
	return d, nil
}

// Encrypt encrypts opening to key.
func Encrypt(opening Opening, key EncryptionKey) (EncryptedData, error) {
	var d EncryptedData

	receiver, err := btcec.ParsePubKey(key[:])
	if err != nil {
		return d, fmt.Errorf("invalid encryption key: %w", err)
	}
	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		return d, err
	}
	copy(d.Ephemeral[:], ephemeral.PubKey().SerializeCompressed())

	shared := btcec.GenerateSharedSecret(ephemeral, receiver)
	aead, err := newAEAD(shared, d.Ephemeral[:])
	if err != nil {
		return d, err
	}

	// The key is fresh for every message so a zero nonce is never reused.
	nonce := make([]byte, chacha20poly1305.NonceSize)
	d.Ciphertext = aead.Seal(nil, nonce, opening.encode(), d.Ephemeral[:])
	return d, nil
}

// Decrypt opens d with the wallet secret of the receiver.
func Decrypt(d EncryptedData, kp *crypto.KeyPair) (Opening, error) {
	ephemeral, err := btcec.ParsePubKey(d.Ephemeral[:])
	if err != nil {
		return Opening{}, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}

	shared := btcec.GenerateSharedSecret(kp.PrivateKey(), ephemeral)
	aead, err := newAEAD(shared, d.Ephemeral[:])
	if err != nil {
		return Opening{}, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	plain, err := aead.Open(nil, nonce, d.Ciphertext, d.Ephemeral[:])
	if err != nil {
		return Opening{}, ErrDecryption
	}
	return decodeOpening(plain)
}

func newAEAD(shared, salt []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, salt, hkdfInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}

// keys.go - Schnorr signing keys identifying wallets.

package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// PublicKeySize is the size of a serialized x-only public key.
	PublicKeySize = schnorr.PubKeyBytesLen

	// SignatureSize is the size of a serialized Schnorr signature.
	SignatureSize = schnorr.SignatureSize
)

var (
	// ErrInvalidPublicKey is returned when bytes do not encode a point on
	// secp256k1.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrInvalidSignature is returned for malformed signature bytes.
	ErrInvalidSignature = errors.New("invalid signature")
)

// PublicKey is the x-only Schnorr verification key of a wallet. It doubles as
// the wallet identifier.
type PublicKey [PublicKeySize]byte

// Signature is a serialized BIP-340 Schnorr signature.
type Signature [SignatureSize]byte

// ParsePublicKey checks that b is a valid x-only key and returns it.
func ParsePublicKey(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(b))
	}
	if _, err := schnorr.ParsePubKey(b); err != nil {
		return pk, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	copy(pk[:], b)
	return pk, nil
}

// ParsePublicKeyHex parses a hex encoded x-only key.
func ParsePublicKeyHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return ParsePublicKey(b)
}

// Point returns the curve point with even Y for the key.
func (pk PublicKey) Point() (*btcec.PublicKey, error) {
	p, err := schnorr.ParsePubKey(pk[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return p, nil
}

// String returns the hex encoding of the key.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// Verify reports whether sig is a valid signature of msg under pk. The
// message is hashed with double SHA-256 before verification.
func (pk PublicKey) Verify(msg []byte, sig Signature) bool {
	p, err := pk.Point()
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false
	}
	return s.Verify(chainhash.HashB(msg), p)
}

// KeyPair holds the signing key of a wallet owner. The same secret decrypts
// payloads addressed to the wallet.
type KeyPair struct {
	priv   *btcec.PrivateKey
	Public PublicKey
}

// GenerateKeyPair creates a fresh random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return newKeyPair(priv), nil
}

// KeyPairFromBytes restores a key pair from a 32-byte secret.
func KeyPairFromBytes(secret []byte) (*KeyPair, error) {
	if len(secret) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d",
			btcec.PrivKeyBytesLen, len(secret))
	}
	priv, _ := btcec.PrivKeyFromBytes(secret)
	if priv.Key.IsZero() {
		return nil, errors.New("secret key is zero")
	}
	return newKeyPair(priv), nil
}

func newKeyPair(priv *btcec.PrivateKey) *KeyPair {
	kp := &KeyPair{priv: priv}
	copy(kp.Public[:], schnorr.SerializePubKey(priv.PubKey()))
	return kp
}

// Sign signs the double SHA-256 digest of msg.
func (kp *KeyPair) Sign(msg []byte) (Signature, error) {
	var out Signature
	sig, err := schnorr.Sign(kp.priv, chainhash.HashB(msg))
	if err != nil {
		return out, err
	}
	copy(out[:], sig.Serialize())
	return out, nil
}

// PrivateKey exposes the secret scalar for key agreement.
func (kp *KeyPair) PrivateKey() *btcec.PrivateKey {
	return kp.priv
}

// Serialize returns the 32-byte secret.
func (kp *KeyPair) Serialize() []byte {
	return kp.priv.Serialize()
}

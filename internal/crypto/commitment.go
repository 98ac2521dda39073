// commitment.go - Pedersen commitments on BLS12-377 G1.
//
// A commitment to value v with blinding r is C = v*G + r*H. Commitments add
// and subtract homomorphically: C(a, r) - C(b, s) = C(a-b, r-s).

package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
)

// CommitmentSize is the size of a compressed commitment.
const CommitmentSize = bls12377.SizeOfG1AffineCompressed

var (
	// blindingGeneratorMsg and blindingGeneratorDST are hashed to the curve
	// to obtain H.
	blindingGeneratorMsg = []byte("confidential ledger blinding generator")
	blindingGeneratorDST = []byte("CONFIDENTIAL-LEDGER-V1-BLS12377G1_XMD:SHA-256_SSWU_RO_")

	generatorsOnce sync.Once
	valueGen       bls12377.G1Affine
	blindingGen    bls12377.G1Affine

	// ErrInvalidCommitment is returned for bytes that do not encode a
	// point of the prime order subgroup.
	ErrInvalidCommitment = errors.New("invalid commitment")
)

func initGenerators() {
	_, _, valueGen, _ = bls12377.Generators()

	var err error
	blindingGen, err = bls12377.HashToG1(blindingGeneratorMsg, blindingGeneratorDST)
	if err != nil {
		panic(fmt.Sprintf("unable to derive blinding generator: %v", err))
	}
}

// Generators returns the value generator G and the blinding generator H.
func Generators() (g, h bls12377.G1Affine) {
	generatorsOnce.Do(initGenerators)
	return valueGen, blindingGen
}

// Commitment is an opaque Pedersen commitment.
type Commitment struct {
	p bls12377.G1Affine
}

// Commit returns value*G + blinding*H.
func Commit(value uint64, blinding *fr.Element) Commitment {
	g, h := Generators()

	var vG, rH bls12377.G1Affine
	vG.ScalarMultiplication(&g, new(big.Int).SetUint64(value))
	rH.ScalarMultiplication(&h, blinding.BigInt(new(big.Int)))

	var c Commitment
	c.p.Add(&vG, &rH)
	return c
}

// CommitAmount commits to value with zero blinding. Anyone can open such a
// commitment, which is how public constants are published.
func CommitAmount(value uint64) Commitment {
	var zero fr.Element
	return Commit(value, &zero)
}

// Zero is the commitment to zero with zero blinding.
func Zero() Commitment {
	return Commitment{}
}

// RandomBlinding returns a uniformly random blinding factor.
func RandomBlinding() (fr.Element, error) {
	var r fr.Element
	if _, err := r.SetRandom(); err != nil {
		return r, err
	}
	return r, nil
}

// Add returns c + o.
func (c Commitment) Add(o Commitment) Commitment {
	var out Commitment
	out.p.Add(&c.p, &o.p)
	return out
}

// Sub returns c - o.
func (c Commitment) Sub(o Commitment) Commitment {
	var out Commitment
	out.p.Sub(&c.p, &o.p)
	return out
}

// Equal reports whether both commitments are the same group element.
func (c Commitment) Equal(o Commitment) bool {
	return c.p.Equal(&o.p)
}

// Verify reports whether (value, blinding) opens c.
func (c Commitment) Verify(value uint64, blinding *fr.Element) bool {
	return c.Equal(Commit(value, blinding))
}

// Point returns the underlying group element.
func (c Commitment) Point() bls12377.G1Affine {
	return c.p
}

// Bytes returns the compressed encoding of the commitment.
func (c Commitment) Bytes() [CommitmentSize]byte {
	return c.p.Bytes()
}

// String returns the hex encoding of the compressed commitment.
func (c Commitment) String() string {
	b := c.p.Bytes()
	return hex.EncodeToString(b[:])
}

// ParseCommitment decodes a compressed commitment. The point must be on the
// curve and in the prime order subgroup.
func ParseCommitment(b []byte) (Commitment, error) {
	var c Commitment
	if len(b) != CommitmentSize {
		return c, fmt.Errorf("%w: length %d", ErrInvalidCommitment, len(b))
	}
	if _, err := c.p.SetBytes(b); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCommitment, err)
	}
	return c, nil
}

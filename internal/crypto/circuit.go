package crypto

import (
	"math/big"

	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/algebra/native/sw_bls12377"
)

// RangeBits is the bit width of committed amounts.
const RangeBits = 64

// scalarShift is added to both scalars inside the circuit so that neither
// scalar multiplication sees zero or a short scalar. The verifier shifts the
// public commitment by the same amount on both generators.
var scalarShift = new(big.Int).Lsh(big.NewInt(1), 250)

// RangeCircuit proves knowledge of (v, r) such that
// Commitment = (v + K)*G + r'*H where r' = r + K and v < 2^64.
type RangeCircuit struct {
	// Public inputs
	Commitment sw_bls12377.G1Affine `gnark:",public"`
	G          sw_bls12377.G1Affine `gnark:",public"`
	H          sw_bls12377.G1Affine `gnark:",public"`

	// Private inputs
	Value    frontend.Variable
	Blinding frontend.Variable
}

func (c *RangeCircuit) Define(api frontend.API) error {
	// Range check: v fits in RangeBits bits.
	api.ToBinary(c.Value, RangeBits)

	s := api.Add(c.Value, scalarShift)
	vG := new(sw_bls12377.G1Affine)
	vG.ScalarMul(api, c.G, s)

	rH := new(sw_bls12377.G1Affine)
	rH.ScalarMul(api, c.H, c.Blinding)

	vG.AddAssign(api, *rH)
	api.AssertIsEqual(c.Commitment.X, vG.X)
	api.AssertIsEqual(c.Commitment.Y, vG.Y)

	return nil
}

// rangeproof.go - Groth16 range proofs over Pedersen commitments.
//
// Proofs are generated and verified on BW6-761, whose scalar field is the
// BLS12-377 base field, so commitment points are native circuit variables.

package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/std/algebra/native/sw_bls12377"
)

// MaxRangeProofSize bounds the encoded size of a proof accepted from the
// wire.
const MaxRangeProofSize = 1024

var (
	// ErrNoProvingKey is returned by Prove on a verify-only system.
	ErrNoProvingKey = errors.New("range proof system has no proving key")

	// ErrProofTooLarge is returned for oversized proof encodings.
	ErrProofTooLarge = errors.New("range proof too large")

	// ErrIncompleteKeys is returned when only one half of a key pair is
	// on disk.
	ErrIncompleteKeys = errors.New("incomplete range proof key pair")
)

// RangeProof is a serialized Groth16 proof that a commitment opens to a
// value in [0, 2^64).
type RangeProof []byte

// RangeVerifier checks range proofs against commitments.
type RangeVerifier interface {
	Verify(proof RangeProof, c Commitment) bool
}

// RangeProver produces range proofs.
type RangeProver interface {
	Prove(value uint64, blinding *fr.Element) (RangeProof, error)
}

// RangeProofSystem bundles the compiled range circuit with its Groth16 keys.
type RangeProofSystem struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

// CompileRangeCircuit compiles the range circuit to R1CS over BW6-761.
func CompileRangeCircuit() (constraint.ConstraintSystem, error) {
	var circuit RangeCircuit
	ccs, err := frontend.Compile(ecc.BW6_761.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, fmt.Errorf("circuit compilation failed: %w", err)
	}
	return ccs, nil
}

// NewRangeProofSystem compiles the circuit and runs a fresh in-memory
// setup.
func NewRangeProofSystem() (*RangeProofSystem, error) {
	ccs, err := CompileRangeCircuit()
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("groth16 setup failed: %w", err)
	}
	return &RangeProofSystem{ccs: ccs, pk: pk, vk: vk}, nil
}

// LoadRangeProofSystem compiles the circuit and loads keys from disk. See
// SetupOrLoadKeys for when a fresh setup runs.
func LoadRangeProofSystem(pkPath, vkPath string) (*RangeProofSystem, error) {
	ccs, err := CompileRangeCircuit()
	if err != nil {
		return nil, err
	}
	pk, vk, err := SetupOrLoadKeys(ccs, pkPath, vkPath)
	if err != nil {
		return nil, err
	}
	return &RangeProofSystem{ccs: ccs, pk: pk, vk: vk}, nil
}

// NewRangeVerifier builds a verify-only system from a verifying key.
func NewRangeVerifier(vk groth16.VerifyingKey) *RangeProofSystem {
	return &RangeProofSystem{vk: vk}
}

// VerifyingKey returns the Groth16 verifying key.
func (s *RangeProofSystem) VerifyingKey() groth16.VerifyingKey {
	return s.vk
}

// Prove proves that Commit(value, blinding) opens to a value in range.
func (s *RangeProofSystem) Prove(value uint64, blinding *fr.Element) (RangeProof, error) {
	if s.pk == nil || s.ccs == nil {
		return nil, ErrNoProvingKey
	}

	c := Commit(value, blinding)

	var k, shiftedBlinding fr.Element
	k.SetBigInt(scalarShift)
	shiftedBlinding.Add(blinding, &k)

	assignment := rangeAssignment(c)
	assignment.Value = value
	assignment.Blinding = shiftedBlinding.BigInt(new(big.Int))

	w, err := frontend.NewWitness(&assignment, ecc.BW6_761.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("witness creation failed: %w", err)
	}
	proof, err := groth16.Prove(s.ccs, s.pk, w)
	if err != nil {
		return nil, fmt.Errorf("proof generation failed: %w", err)
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("proof marshaling failed: %w", err)
	}
	return buf.Bytes(), nil
}

// VerifyProof checks proof against c and reports why it failed.
func (s *RangeProofSystem) VerifyProof(proof RangeProof, c Commitment) error {
	if len(proof) > MaxRangeProofSize {
		return ErrProofTooLarge
	}

	assignment := rangeAssignment(c)
	w, err := frontend.NewWitness(&assignment, ecc.BW6_761.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("public witness creation failed: %w", err)
	}

	p := groth16.NewProof(ecc.BW6_761)
	if _, err := p.ReadFrom(bytes.NewReader(proof)); err != nil {
		return fmt.Errorf("proof unmarshaling failed: %w", err)
	}
	if err := groth16.Verify(p, s.vk, w); err != nil {
		return fmt.Errorf("proof verification failed: %w", err)
	}
	return nil
}

// Verify reports whether proof shows that c commits to a value in range.
func (s *RangeProofSystem) Verify(proof RangeProof, c Commitment) bool {
	return s.VerifyProof(proof, c) == nil
}

// rangeAssignment fills the public part of the witness for c.
func rangeAssignment(c Commitment) RangeCircuit {
	g, h := Generators()

	var kG, kH, shifted bls12377.G1Affine
	kG.ScalarMultiplication(&g, scalarShift)
	kH.ScalarMultiplication(&h, scalarShift)
	shifted.Add(&c.p, &kG)
	shifted.Add(&shifted, &kH)

	return RangeCircuit{
		Commitment: circuitPoint(shifted),
		G:          circuitPoint(g),
		H:          circuitPoint(h),
	}
}

// circuitPoint assigns a native point to its in-circuit representation.
func circuitPoint(p bls12377.G1Affine) sw_bls12377.G1Affine {
	return sw_bls12377.G1Affine{
		X: p.X.BigInt(new(big.Int)),
		Y: p.Y.BigInt(new(big.Int)),
	}
}

// writeKey writes a key to a temporary file next to path and renames it
// into place, so a crash never leaves a truncated key behind.
func writeKey(path string, key io.WriterTo) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if _, err := key.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

func readKey(path string, key io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = key.ReadFrom(f)
	return err
}

// SaveProvingKey writes a Groth16 proving key to path.
func SaveProvingKey(path string, pk groth16.ProvingKey) error {
	return writeKey(path, pk)
}

// SaveVerifyingKey writes a Groth16 verifying key to path.
func SaveVerifyingKey(path string, vk groth16.VerifyingKey) error {
	return writeKey(path, vk)
}

// LoadProvingKey reads a Groth16 proving key from path.
func LoadProvingKey(path string) (groth16.ProvingKey, error) {
	pk := groth16.NewProvingKey(ecc.BW6_761)
	if err := readKey(path, pk); err != nil {
		return nil, fmt.Errorf("load proving key %s: %w", path, err)
	}
	return pk, nil
}

// LoadVerifyingKey reads a Groth16 verifying key from path.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	vk := groth16.NewVerifyingKey(ecc.BW6_761)
	if err := readKey(path, vk); err != nil {
		return nil, fmt.Errorf("load verifying key %s: %w", path, err)
	}
	return vk, nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// SetupOrLoadKeys loads the Groth16 key pair of ccs. A fresh setup only runs
// when neither file exists. Existing keys are never overwritten: a missing
// half of the pair or a key that fails to decode is an error.
func SetupOrLoadKeys(ccs constraint.ConstraintSystem, pkPath,
	vkPath string) (groth16.ProvingKey, groth16.VerifyingKey, error) {

	havePK, err := fileExists(pkPath)
	if err != nil {
		return nil, nil, err
	}
	haveVK, err := fileExists(vkPath)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case !havePK && !haveVK:
		pk, vk, err := groth16.Setup(ccs)
		if err != nil {
			return nil, nil, fmt.Errorf("groth16 setup failed: %w", err)
		}
		if err := SaveVerifyingKey(vkPath, vk); err != nil {
			return nil, nil, err
		}
		if err := SaveProvingKey(pkPath, pk); err != nil {
			return nil, nil, err
		}
		return pk, vk, nil

	case !havePK:
		return nil, nil, fmt.Errorf("%w: proving key %s missing",
			ErrIncompleteKeys, pkPath)

	case !haveVK:
		return nil, nil, fmt.Errorf("%w: verifying key %s missing",
			ErrIncompleteKeys, vkPath)
	}

	pk, err := LoadProvingKey(pkPath)
	if err != nil {
		return nil, nil, err
	}
	vk, err := LoadVerifyingKey(vkPath)
	if err != nil {
		return nil, nil, err
	}
	return pk, vk, nil
}

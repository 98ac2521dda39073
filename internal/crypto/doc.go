// Package crypto implements the cryptographic primitives of the confidential
// transfer ledger.
//
// Overview:
//   - Signing keys are secp256k1 Schnorr keys; a wallet is identified by its
//     32-byte x-only public key
//   - Amounts and balances are hidden behind Pedersen commitments on BLS12-377 G1
//   - Range proofs are Groth16 proofs (BW6-761) that a commitment opens to a
//     value in [0, 2^64)
//
// Security Model:
//   - Commitments are perfectly hiding and computationally binding; the second
//     generator H is obtained by hashing to the curve so nobody knows log_G(H)
//   - Commitments are additively homomorphic, so ledger arithmetic never needs
//     the plaintext amounts
//   - A range proof binds to the exact commitment it was produced for; proofs
//     for stale balances fail verification against the current balance
//   - All randomness is generated using crypto/rand
//
// WARNING: The Groth16 keys produced by Setup come from a single-party trusted
// setup. Use keys from a multi-party ceremony in production environments.
package crypto

// codec.go - Canonical TLV encoding of transactions.
//
// A transaction travels as an envelope:
//
//   service id (u16) | kind (u8) | payload (bytes) | signature (64 bytes)
//
// The signature covers service id, kind and payload. The transaction hash
// is the double SHA-256 of the whole envelope.

package transactions

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"confidential/internal/crypto"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tlv"
)

// MaxTransactionSize bounds the size of an encoded envelope.
const MaxTransactionSize = 4096

// Kind is the message type of a transaction within the service.
type Kind uint8

const (
	KindCreateWallet Kind = 0
	KindTransfer     Kind = 1
	KindAccept       Kind = 2
)

var kindStrings = map[Kind]string{
	KindCreateWallet: "CreateWallet",
	KindTransfer:     "Transfer",
	KindAccept:       "Accept",
}

// String returns the kind as a human-readable name.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Kind (%d)", uint8(k))
}

var (
	// ErrMalformedTransaction is returned when bytes cannot be decoded as a
	// transaction.
	ErrMalformedTransaction = errors.New("malformed transaction")

	// ErrWrongService is returned for envelopes addressed to another
	// service.
	ErrWrongService = errors.New("transaction for another service")
)

const (
	typeEnvelopeService   tlv.Type = 0
	typeEnvelopeKind      tlv.Type = 2
	typeEnvelopePayload   tlv.Type = 4
	typeEnvelopeSignature tlv.Type = 6

	typeCreateWalletKey tlv.Type = 0

	typeTransferFrom                   tlv.Type = 0
	typeTransferTo                     tlv.Type = 2
	typeTransferRollbackDelay          tlv.Type = 4
	typeTransferAmount                 tlv.Type = 6
	typeTransferAmountProof            tlv.Type = 8
	typeTransferSufficientBalanceProof tlv.Type = 10
	typeTransferEncryptedData          tlv.Type = 12

	typeAcceptReceiver   tlv.Type = 0
	typeAcceptTransferID tlv.Type = 2
)

// envelope carries what every transaction kind shares.
type envelope struct {
	kind      Kind
	payload   []byte
	signature crypto.Signature

	raw  []byte
	hash chainhash.Hash
}

// signedMessage returns the bytes covered by the signature.
func signedMessage(kind Kind, payload []byte) []byte {
	msg := make([]byte, 3, 3+len(payload))
	binary.BigEndian.PutUint16(msg[:2], ServiceID)
	msg[2] = byte(kind)
	return append(msg, payload...)
}

// seal signs payload with kp and computes the encoding and hash.
func seal(kind Kind, payload []byte, kp *crypto.KeyPair) (envelope, error) {
	sig, err := kp.Sign(signedMessage(kind, payload))
	if err != nil {
		return envelope{}, err
	}
	return newEnvelope(kind, payload, sig)
}

func newEnvelope(kind Kind, payload []byte, sig crypto.Signature) (envelope, error) {
	var (
		service  = ServiceID
		kindByte = uint8(kind)
		sigBytes = sig[:]
	)
	raw, err := encodeStream(
		tlv.MakePrimitiveRecord(typeEnvelopeService, &service),
		tlv.MakePrimitiveRecord(typeEnvelopeKind, &kindByte),
		tlv.MakePrimitiveRecord(typeEnvelopePayload, &payload),
		tlv.MakePrimitiveRecord(typeEnvelopeSignature, &sigBytes),
	)
	if err != nil {
		return envelope{}, err
	}
	return envelope{
		kind:      kind,
		payload:   payload,
		signature: sig,
		raw:       raw,
		hash:      chainhash.HashH(raw),
	}, nil
}

// Kind returns the message type.
func (e *envelope) Kind() Kind {
	return e.kind
}

// Hash returns the transaction hash.
func (e *envelope) Hash() chainhash.Hash {
	return e.hash
}

// Bytes returns the canonical encoding.
func (e *envelope) Bytes() []byte {
	return e.raw
}

// verifySignature checks the envelope signature under pk.
func (e *envelope) verifySignature(pk crypto.PublicKey) bool {
	return pk.Verify(signedMessage(e.kind, e.payload), e.signature)
}

// Decode parses a transaction from its canonical encoding. Decoding only
// checks the shape of the fields; Verify performs the admission checks.
func Decode(raw []byte) (Transaction, error) {
	if len(raw) > MaxTransactionSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit",
			ErrMalformedTransaction, len(raw))
	}

	var (
		service  uint16
		kindByte uint8
		payload  []byte
		sigBytes []byte
	)
	err := decodeStream(raw,
		tlv.MakePrimitiveRecord(typeEnvelopeService, &service),
		tlv.MakePrimitiveRecord(typeEnvelopeKind, &kindByte),
		tlv.MakePrimitiveRecord(typeEnvelopePayload, &payload),
		tlv.MakePrimitiveRecord(typeEnvelopeSignature, &sigBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope: %v",
			ErrMalformedTransaction, err)
	}
	if len(sigBytes) != crypto.SignatureSize {
		return nil, fmt.Errorf("%w: signature length %d",
			ErrMalformedTransaction, len(sigBytes))
	}
	if service != ServiceID {
		return nil, fmt.Errorf("%w: service %d", ErrWrongService, service)
	}
	var sig crypto.Signature
	copy(sig[:], sigBytes)

	kind := Kind(kindByte)
	env, err := newEnvelope(kind, payload, sig)
	if err != nil {
		return nil, err
	}

	// Re-encoding must reproduce the input exactly so that the hash is a
	// function of the transaction content only.
	if !bytes.Equal(env.raw, raw) {
		return nil, fmt.Errorf("%w: non-canonical encoding",
			ErrMalformedTransaction)
	}

	var tx Transaction
	switch kind {
	case KindCreateWallet:
		tx, err = decodeCreateWallet(env)
	case KindTransfer:
		tx, err = decodeTransfer(env)
	case KindAccept:
		tx, err = decodeAccept(env)
	default:
		return nil, fmt.Errorf("%w: unknown kind %d",
			ErrMalformedTransaction, kindByte)
	}
	if err != nil {
		return nil, err
	}

	log.Tracef("Decoded %v %v: %v", kind, tx.Hash(), spewTx(tx))
	return tx, nil
}

func encodeStream(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeStream(v []byte, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}
	return stream.Decode(bytes.NewReader(v))
}

// decodePayload decodes a payload and checks that it is canonical.
func decodePayload(env envelope, encode func() ([]byte, error),
	records ...tlv.Record) error {

	if err := decodeStream(env.payload, records...); err != nil {
		return fmt.Errorf("%w: %v payload: %v",
			ErrMalformedTransaction, env.kind, err)
	}
	reencoded, err := encode()
	if err != nil {
		return fmt.Errorf("%w: %v payload: %v",
			ErrMalformedTransaction, env.kind, err)
	}
	if !bytes.Equal(reencoded, env.payload) {
		return fmt.Errorf("%w: non-canonical %v payload",
			ErrMalformedTransaction, env.kind)
	}
	return nil
}

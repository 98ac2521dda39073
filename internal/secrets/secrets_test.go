package secrets

import (
	"math"
	"testing"

	"confidential/internal/crypto"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	receiver, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	key, err := DeriveEncryptionKey(receiver.Public)
	require.NoError(t, err)

	opening, err := NewOpening(1500)
	require.NoError(t, err)

	data, err := Encrypt(opening, key)
	require.NoError(t, err)
	require.Len(t, data.Bytes(), EncryptedDataSize)

	got, err := Decrypt(data, receiver)
	require.NoError(t, err)
	require.Equal(t, opening.Amount, got.Amount)
	require.True(t, opening.Blinding.Equal(&got.Blinding))
	require.True(t, got.Commitment().Equal(opening.Commitment()))
}

func TestDecryptWrongKey(t *testing.T) {
	receiver, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	eavesdropper, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	key, err := DeriveEncryptionKey(receiver.Public)
	require.NoError(t, err)
	opening, err := NewOpening(7)
	require.NoError(t, err)
	data, err := Encrypt(opening, key)
	require.NoError(t, err)

	_, err = Decrypt(data, eavesdropper)
	require.ErrorIs(t, err, ErrDecryption)

	// Tampering is detected.
	data.Ciphertext[0] ^= 0x80
	_, err = Decrypt(data, receiver)
	require.ErrorIs(t, err, ErrDecryption)
}

func TestEncryptedDataEncoding(t *testing.T) {
	receiver, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	key, err := DeriveEncryptionKey(receiver.Public)
	require.NoError(t, err)

	data, err := Encrypt(ZeroOpening(), key)
	require.NoError(t, err)

	parsed, err := ParseEncryptedData(data.Bytes())
	require.NoError(t, err)
	require.Equal(t, data, parsed)

	_, err = ParseEncryptedData([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedData)
}

func TestDeriveEncryptionKeyDeterministic(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	k1, err := DeriveEncryptionKey(kp.Public)
	require.NoError(t, err)
	k2, err := DeriveEncryptionKey(kp.Public)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
}

func TestOpeningArithmetic(t *testing.T) {
	a, err := NewOpening(100)
	require.NoError(t, err)
	b, err := NewOpening(30)
	require.NoError(t, err)

	sum, err := a.Add(b)
	require.NoError(t, err)
	require.Equal(t, uint64(130), sum.Amount)
	require.True(t, sum.Commitment().Equal(a.Commitment().Add(b.Commitment())))

	diff, err := a.Sub(b)
	require.NoError(t, err)
	require.Equal(t, uint64(70), diff.Amount)
	require.True(t, diff.Commitment().Equal(a.Commitment().Sub(b.Commitment())))

	_, err = b.Sub(a)
	require.Error(t, err)

	require.True(t, ZeroOpening().Commitment().Equal(crypto.Zero()))
}

func TestOpeningAddOverflow(t *testing.T) {
	a, err := NewOpening(math.MaxUint64)
	require.NoError(t, err)
	one, err := NewOpening(1)
	require.NoError(t, err)

	_, err = a.Add(one)
	require.ErrorContains(t, err, "overflow")

	sum, err := a.Add(ZeroOpening())
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), sum.Amount)
}

package crypto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	plaintext := []byte("hello vaulthalla")
	ciphertext, iv, err := Encrypt(plaintext, key)
	require.NoError(t, err)

	assert.Len(t, iv, IVSize)
	// GCM appends a 16-byte tag.
	assert.Equal(t, len(plaintext)+16, len(ciphertext))
	assert.NotEqual(t, plaintext, ciphertext[:len(plaintext)])

	got, err := Decrypt(ciphertext, key, iv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptFreshIVPerCall(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	_, iv1, err := Encrypt([]byte("x"), key)
	require.NoError(t, err)
	_, iv2, err := Encrypt([]byte("x"), key)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(iv1, iv2))
}

func TestDecryptRejectsTamper(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	ciphertext, iv, err := Encrypt([]byte("payload"), key)
	require.NoError(t, err)

	ciphertext[0] ^= 0xff
	_, err = Decrypt(ciphertext, key, iv)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	other, err := NewKey()
	require.NoError(t, err)

	ciphertext, iv, err := Encrypt([]byte("payload"), key)
	require.NoError(t, err)

	_, err = Decrypt(ciphertext, other, iv)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEncryptRejectsShortKey(t *testing.T) {
	_, _, err := Encrypt([]byte("x"), []byte("short"))
	assert.Error(t, err)
}

func TestSumKnownVector(t *testing.T) {
	// BLAKE2b-512 of the empty string.
	const empty = "786a02f742015903c6c6fd852552d272912f4740e15847618a86e217f71f5419" +
		"d25e1031afee585313896444934eb04b903a685b1448b755d56f701afe9be2ce"
	assert.Equal(t, empty, Sum(nil))

	got, err := SumReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, empty, got)
}

func TestSumReaderMatchesSum(t *testing.T) {
	data := bytes.Repeat([]byte("vault"), 10000)
	got, err := SumReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, Sum(data), got)
}

func TestBase32RoundTrip(t *testing.T) {
	cases := [][]byte{
		{0x00},
		{0xff},
		{0xde, 0xad, 0xbe, 0xef},
		[]byte("crockford"),
		bytes.Repeat([]byte{0xa5}, 16),
	}
	for _, in := range cases {
		encoded := EncodeBase32(in, Upper)
		assert.NotContains(t, encoded, "I")
		assert.NotContains(t, encoded, "L")
		assert.NotContains(t, encoded, "O")
		assert.NotContains(t, encoded, "U")

		decoded, err := DecodeBase32(encoded)
		require.NoError(t, err)
		assert.Equal(t, in, decoded)
	}
}

func TestBase32DecodeFolding(t *testing.T) {
	encoded := EncodeBase32([]byte{0x08, 0x42}, Upper) // contains '1' and '0' positions
	folded := strings.NewReplacer("0", "O", "1", "I").Replace(encoded)
	a, err := DecodeBase32(encoded)
	require.NoError(t, err)
	b, err := DecodeBase32(folded)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	lower, err := DecodeBase32(strings.ToLower(encoded))
	require.NoError(t, err)
	assert.Equal(t, a, lower)
}

func TestBase32DecodeRejectsExcluded(t *testing.T) {
	_, err := DecodeBase32("AU")
	assert.Error(t, err)
}

func TestIDGeneratorPrefixStable(t *testing.T) {
	g1, err := NewIDGenerator(DefaultIDOptions("vault-42"))
	require.NoError(t, err)
	g2, err := NewIDGenerator(DefaultIDOptions("vault-42"))
	require.NoError(t, err)
	g3, err := NewIDGenerator(DefaultIDOptions("vault-43"))
	require.NoError(t, err)

	assert.Len(t, g1.NamespacePrefix(), 6)
	assert.Equal(t, g1.NamespacePrefix(), g2.NamespacePrefix())
	assert.NotEqual(t, g1.NamespacePrefix(), g3.NamespacePrefix())
}

func TestIDGeneratorShape(t *testing.T) {
	g, err := NewIDGenerator(DefaultIDOptions("vault-42"))
	require.NoError(t, err)

	id, err := g.Generate()
	require.NoError(t, err)

	parts := strings.SplitN(id, "_", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, g.NamespacePrefix(), parts[0])
	// 16 random bytes encode to 26 base32 chars.
	assert.Len(t, parts[1], 26)
}

func TestIDGeneratorUnique(t *testing.T) {
	g, err := NewIDGenerator(DefaultIDOptions("vault-42"))
	require.NoError(t, err)

	ids, err := g.GenerateBatch(1000)
	require.NoError(t, err)

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestIDGeneratorNoNamespace(t *testing.T) {
	opts := DefaultIDOptions("")
	g, err := NewIDGenerator(opts)
	require.NoError(t, err)

	id, err := g.Generate()
	require.NoError(t, err)
	assert.NotContains(t, id, "_")
}

func TestIDGeneratorRejectsBadOptions(t *testing.T) {
	opts := DefaultIDOptions("ns")
	opts.RandomBytes = 0
	_, err := NewIDGenerator(opts)
	assert.Error(t, err)

	opts = DefaultIDOptions("ns")
	opts.Separator = ' '
	_, err = NewIDGenerator(opts)
	assert.Error(t, err)
}

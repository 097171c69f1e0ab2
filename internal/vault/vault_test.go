package vault

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	v, err := NewFromHex(key)
	require.NoError(t, err)
	return v
}

func TestNew_KeyValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"not hex", strings.Repeat("zz", 32)},
		{"16 bytes", strings.Repeat("ab", 16)},
		{"33 bytes", strings.Repeat("ab", 33)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewFromHex(tt.key)
			assert.Nil(t, v)
			assert.ErrorIs(t, err, ErrMisconfiguredKey)
		})
	}

	t.Run("raw 32 bytes", func(t *testing.T) {
		_, err := New(make([]byte, KeySize))
		assert.NoError(t, err)
	})

	t.Run("raw nil key", func(t *testing.T) {
		_, err := New(nil)
		assert.ErrorIs(t, err, ErrMisconfiguredKey)
	})
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	k2, err := GenerateKey()
	require.NoError(t, err)

	assert.Len(t, k1, KeySize*2)
	assert.NotEqual(t, k1, k2)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	plaintexts := []string{
		"sk-proj-abcdefghijklmnopqrstuvwxyz0123456789",
		"",
		"a",
		"unicode ключ 🔑",
		strings.Repeat("x", 4096),
	}

	for _, p := range plaintexts {
		blob, err := v.Encrypt(p)
		require.NoError(t, err)

		parts := strings.Split(blob, ":")
		require.Len(t, parts, 3)
		assert.Len(t, parts[0], NonceSize*2)
		assert.Len(t, parts[1], TagSize*2)
		assert.Len(t, parts[2], len(p)*2)

		got, err := v.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	v := newTestVault(t)

	b1, err := v.Encrypt("same secret")
	require.NoError(t, err)
	b2, err := v.Encrypt("same secret")
	require.NoError(t, err)

	assert.NotEqual(t, b1, b2)
	assert.NotEqual(t, strings.Split(b1, ":")[0], strings.Split(b2, ":")[0])
}

// Every single-character change to the hex encoding must fail authentication.
func TestDecrypt_SingleByteTamper(t *testing.T) {
	v := newTestVault(t)

	blob, err := v.Encrypt("sk-ant-api03-secret-value")
	require.NoError(t, err)

	const digits = "0123456789abcdef"
	for i := 0; i < len(blob); i++ {
		if blob[i] == ':' {
			continue
		}
		pos := strings.IndexByte(digits, blob[i])
		require.GreaterOrEqual(t, pos, 0)

		tampered := []byte(blob)
		tampered[i] = digits[(pos+1)%len(digits)]

		_, err := v.Decrypt(string(tampered))
		require.ErrorIs(t, err, ErrAuthenticationFailed, "position %d", i)
	}
}

// Upper-casing a single hex letter changes the stored value, so it must not decrypt.
func TestDecrypt_CaseTamper(t *testing.T) {
	v := newTestVault(t)

	blob, err := v.Encrypt("sk-proj-case-sensitive")
	require.NoError(t, err)

	letters := 0
	for i := 0; i < len(blob); i++ {
		if blob[i] < 'a' || blob[i] > 'f' {
			continue
		}
		letters++

		tampered := []byte(blob)
		tampered[i] -= 'a' - 'A'

		got, err := v.Decrypt(string(tampered))
		assert.Empty(t, got)
		require.ErrorIs(t, err, ErrMalformedBlob, "position %d", i)
	}
	require.Positive(t, letters)

	_, err = v.Decrypt(strings.ToUpper(blob))
	assert.ErrorIs(t, err, ErrMalformedBlob)
}

func TestDecrypt_RawByteTamper(t *testing.T) {
	v := newTestVault(t)

	blob, err := v.Encrypt("gsk_live_secret")
	require.NoError(t, err)
	parts := strings.Split(blob, ":")

	for field := 0; field < 3; field++ {
		raw, err := hex.DecodeString(parts[field])
		require.NoError(t, err)
		for i := range raw {
			mutated := append([]byte(nil), raw...)
			mutated[i] ^= 0x01

			fields := append([]string(nil), parts...)
			fields[field] = hex.EncodeToString(mutated)

			_, err := v.Decrypt(strings.Join(fields, ":"))
			require.ErrorIs(t, err, ErrAuthenticationFailed, "field %d byte %d", field, i)
		}
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	v1 := newTestVault(t)
	v2 := newTestVault(t)

	blob, err := v1.Encrypt("secret")
	require.NoError(t, err)

	_, err = v2.Decrypt(blob)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestDecrypt_Malformed(t *testing.T) {
	v := newTestVault(t)

	valid, err := v.Encrypt("secret")
	require.NoError(t, err)
	parts := strings.Split(valid, ":")

	tests := []struct {
		name string
		blob string
	}{
		{"empty", ""},
		{"plaintext", "sk-not-encrypted"},
		{"two fields", parts[0] + ":" + parts[1]},
		{"four fields", valid + ":00"},
		{"short nonce", parts[0][2:] + ":" + parts[1] + ":" + parts[2]},
		{"short tag", parts[0] + ":" + parts[1][2:] + ":" + parts[2]},
		{"non-hex nonce", strings.Repeat("zz", NonceSize) + ":" + parts[1] + ":" + parts[2]},
		{"non-hex ciphertext", parts[0] + ":" + parts[1] + ":xyz"},
		{"odd-length ciphertext", parts[0] + ":" + parts[1] + ":" + parts[2] + "0"},
		{"base64 legacy format", "c2stc2VjcmV0LXZhbHVl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Decrypt(tt.blob)
			assert.Empty(t, got)
			assert.ErrorIs(t, err, ErrMalformedBlob)
		})
	}
}

package vault

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	v, err := New(key)
	require.NoError(t, err)
	return v
}

func TestSealOpenRoundTrip(t *testing.T) {
	v := newTestVault(t)

	inputs := []string{
		"ya29.a0AfH6SMBx-token",
		"eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxMjMifQ.sig_with+/=chars",
		"\x00\x01\xffbinary\n\t",
		"ünïcødé 令牌",
	}
	for _, in := range inputs {
		sealed, err := v.Seal(in)
		require.NoError(t, err)
		require.NotEqual(t, in, sealed)

		opened, err := v.Open(sealed)
		require.NoError(t, err)
		require.Equal(t, in, opened)
	}
}

func TestSealEmptyStaysEmpty(t *testing.T) {
	v := newTestVault(t)

	sealed, err := v.Seal("")
	require.NoError(t, err)
	require.Empty(t, sealed)

	opened, err := v.Open("")
	require.NoError(t, err)
	require.Empty(t, opened)
}

func TestSealUsesFreshNonce(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Seal("same-token")
	require.NoError(t, err)
	b, err := v.Seal("same-token")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestOpenRejectsTamperedInput(t *testing.T) {
	v := newTestVault(t)

	sealed, err := v.Seal("refresh-token")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01

	_, err = v.Open(base64.StdEncoding.EncodeToString(raw))
	require.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = v.Open("not base64 at all!")
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestOpenRejectsOtherKey(t *testing.T) {
	a := newTestVault(t)
	b := newTestVault(t)

	sealed, err := a.Seal("token")
	require.NoError(t, err)

	_, err = b.Open(sealed)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNewValidatesMasterKey(t *testing.T) {
	_, err := New("")
	require.ErrorIs(t, err, ErrMasterKeyMissing)

	_, err = New(base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
}

func TestExpiresSoon(t *testing.T) {
	now := time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)
	later := now.Add(10 * time.Minute)

	require.False(t, ExpiresSoon(nil, now, time.Minute))
	require.False(t, ExpiresSoon(&later, now, time.Minute))
	require.True(t, ExpiresSoon(&later, now, 10*time.Minute))
	require.True(t, ExpiresSoon(&now, now, 0))
}

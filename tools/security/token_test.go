package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PlatesRelay/tools/errs"
)

func reference(secret string, id int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(id, 10)))
	return strconv.FormatInt(id, 10) + ":" + hex.EncodeToString(mac.Sum(nil))
}

func TestValidateRoundTrip(t *testing.T) {
	v, err := NewValidator([]byte("s3cret"))
	require.NoError(t, err)

	for _, id := range []int64{0, 1, 42, 7_000_001, 9223372036854775807} {
		tok := reference("s3cret", id)
		assert.Equal(t, tok, v.Token(id))
		got, ok := v.Validate(tok)
		require.True(t, ok, "token for %d", id)
		assert.Equal(t, id, got)
	}
}

func TestValidateRejectsEverySignatureMutation(t *testing.T) {
	v, err := NewValidator([]byte("s3cret"))
	require.NoError(t, err)

	tok := v.Token(42)
	sigStart := len("42:")
	for i := sigStart; i < len(tok); i++ {
		b := []byte(tok)
		if b[i] == 'a' {
			b[i] = 'b'
		} else {
			b[i] = 'a'
		}
		_, ok := v.Validate(string(b))
		assert.False(t, ok, "mutation at %d accepted", i)
	}
}

func TestValidateMalformed(t *testing.T) {
	v, err := NewValidator([]byte("s3cret"))
	require.NoError(t, err)
	good := v.Token(42)
	sig := good[len("42:"):]

	cases := map[string]string{
		"empty":         "",
		"no separator":  "42" + sig,
		"empty id":      ":" + sig,
		"empty sig":     "42:",
		"non numeric":   "abc:" + v.Sign("abc"),
		"not hex":       "42:zz" + sig[2:],
		"uppercase hex": "42:" + toUpper(sig),
		"other secret":  reference("other", 42),
		"other user":    "43:" + sig,
		"trailing data": good + ":x",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := v.Validate(tok)
			assert.False(t, ok)
		})
	}
}

func TestNewValidatorRequiresSecret(t *testing.T) {
	_, err := NewValidator(nil)
	require.Error(t, err)
	assert.True(t, errs.ErrSecretMissing.Is(err))
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

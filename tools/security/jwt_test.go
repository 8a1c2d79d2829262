package security

import (
	"testing"
	"time"

	"PGateway/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVerifier(t *testing.T, alg string) *JWTVerifier {
	t.Helper()
	opts := DefaultOptions([]byte("test-secret"))
	opts.Alg = alg
	v, err := NewJWTVerifier(opts)
	require.NoError(t, err)
	return v
}

func TestVerifyRoundTrip(t *testing.T) {
	for _, alg := range []string{"HS256", "HS384", "HS512"} {
		v := newVerifier(t, alg)
		tok, exp, err := v.Generate("u1", []string{"publisher"})
		require.NoError(t, err)
		assert.True(t, exp.After(time.Now()))

		p, err := v.Verify(tok)
		require.NoError(t, err, alg)
		assert.Equal(t, "u1", p.ID)
		assert.Equal(t, []string{"publisher"}, p.Roles)
		assert.False(t, p.IssuedAt.IsZero())
	}
}

func TestVerifyRejects(t *testing.T) {
	v := newVerifier(t, "HS256")

	_, err := v.Verify("")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = v.Verify("not-a-jwt")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	other, err := NewJWTVerifier(DefaultOptions([]byte("other-secret")))
	require.NoError(t, err)
	tok, _, err := other.Generate("u1", nil)
	require.NoError(t, err)
	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	// 算法不一致也拒绝
	v512 := newVerifier(t, "HS512")
	tok512, _, err := v512.Generate("u1", nil)
	require.NoError(t, err)
	_, err = v.Verify(tok512)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestVerifyExpiredAndNoSubject(t *testing.T) {
	v := newVerifier(t, "HS256")
	secret := []byte("test-secret")

	expired := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	s, err := expired.SignedString(secret)
	require.NoError(t, err)
	_, err = v.Verify(s)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	noSub := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	s, err = noSub.SignedString(secret)
	require.NoError(t, err)
	_, err = v.Verify(s)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestScopeClaimAsString(t *testing.T) {
	v := newVerifier(t, "HS256")
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub":   "svc",
		"scope": "publisher admin",
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	p, err := v.Verify(s)
	require.NoError(t, err)
	assert.True(t, p.HasRole("admin"))
	assert.True(t, p.HasRole("publisher"))
}

func TestUnsupportedAlg(t *testing.T) {
	_, err := NewJWTVerifier(Options{Secret: []byte("x"), Alg: "RS256"})
	assert.Error(t, err)
	_, err = NewJWTVerifier(Options{})
	assert.Error(t, err)
}

func TestHashTokenStable(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.Contains(t, HashToken("abc"), "sha256:")
}

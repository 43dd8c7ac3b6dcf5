package sharing

import (
	"testing"
	"time"

	"github.com/docvault/docvault/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionToken_RoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	secret := []byte("top-secret")

	token, err := NewSessionToken("share_abc", "bob", secret, 15*time.Minute, clock.now)
	require.NoError(t, err)

	claims, err := VerifySessionToken(token, secret, clock.now)
	require.NoError(t, err)
	assert.Equal(t, "share_abc", claims.ShareID)
	assert.Equal(t, "bob", claims.Principal)
}

func TestSessionToken_Expired(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	secret := []byte("top-secret")

	token, err := NewSessionToken("share_abc", "bob", secret, time.Minute, clock.now)
	require.NoError(t, err)

	clock.advance(2 * time.Minute)

	_, err = VerifySessionToken(token, secret, clock.now)
	assert.ErrorIs(t, err, common.ErrTokenExpired)
}

func TestSessionToken_WrongSecret(t *testing.T) {
	clock := &fakeClock{t: time.Now()}

	token, err := NewSessionToken("share_abc", "bob", []byte("secret-a"), time.Minute, clock.now)
	require.NoError(t, err)

	_, err = VerifySessionToken(token, []byte("secret-b"), clock.now)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestSessionToken_Garbage(t *testing.T) {
	clock := &fakeClock{t: time.Now()}

	_, err := VerifySessionToken("not-a-jwt", []byte("secret"), clock.now)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}

package authenticator

import (
	"context"
	"testing"
	"time"

	"github.com/avalkov/safe-transaction-history/internal/model"
	"github.com/avalkov/safe-transaction-history/internal/storage/memory"
	"github.com/stretchr/testify/require"
)

func TestAuthenticateAndVerify(t *testing.T) {
	store := memory.NewStorage()
	store.AddUser("observer", "secret")

	auth := NewAuthenticator(store, Opts{Secret: []byte("test-secret"), TokenDuration: time.Hour})

	token, err := auth.Authenticate(context.Background(), "observer", "secret")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	username, err := auth.VerifyToken(token)
	require.NoError(t, err)
	require.Equal(t, "observer", username)

	_, err = auth.Authenticate(context.Background(), "observer", "wrong")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestVerifyTokenRejects(t *testing.T) {
	store := memory.NewStorage()
	store.AddUser("observer", "secret")

	expired := NewAuthenticator(store, Opts{
		Secret:        []byte("test-secret"),
		TokenDuration: time.Minute,
		Now:           func() time.Time { return time.Now().Add(-time.Hour) },
	})
	expiredToken, err := expired.Authenticate(context.Background(), "observer", "secret")
	require.NoError(t, err)

	auth := NewAuthenticator(store, Opts{Secret: []byte("test-secret")})
	_, err = auth.VerifyToken(expiredToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	other := NewAuthenticator(store, Opts{Secret: []byte("other-secret")})
	foreignToken, err := other.Authenticate(context.Background(), "observer", "secret")
	require.NoError(t, err)
	_, err = auth.VerifyToken(foreignToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = auth.VerifyToken("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

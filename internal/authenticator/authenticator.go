package authenticator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var ErrInvalidToken = errors.New("invalid token")

type Opts struct {
	Secret        []byte
	TokenDuration time.Duration
	Now           func() time.Time
}

func NewAuthenticator(storage storage, opts Opts) *authenticator {
	if opts.TokenDuration <= 0 {
		opts.TokenDuration = 11 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &authenticator{
		storage:       storage,
		secret:        opts.Secret,
		tokenDuration: opts.TokenDuration,
		now:           opts.Now,
	}
}

func (auth *authenticator) Authenticate(ctx context.Context, username, password string) (string, error) {
	if err := auth.storage.IsUserExisting(ctx, username, password); err != nil {
		return "", err
	}

	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(auth.now()),
			ExpiresAt: jwt.NewNumericDate(auth.now().Add(auth.tokenDuration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(auth.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// VerifyToken returns the username the token was issued to.
func (auth *authenticator) VerifyToken(token string) (string, error) {
	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return auth.secret, nil
	})

	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !tkn.Valid {
		return "", ErrInvalidToken
	}

	return claims.Username, nil
}

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type storage interface {
	IsUserExisting(ctx context.Context, username, password string) error
}

type authenticator struct {
	storage       storage
	secret        []byte
	tokenDuration time.Duration
	now           func() time.Time
}

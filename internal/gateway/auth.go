package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/docuchat/docuchat/internal/model"
	"github.com/docuchat/docuchat/internal/store"
)

var (
	ErrAuth          = errors.New("authentication failed")
	ErrNotAuthorized = errors.New("not authorized")
)

type authClaims struct {
	jwt.RegisteredClaims
}

// Authenticator issues and verifies the bearer tokens used by both the
// REST surface and websocket authentication.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	store  store.Store
}

func NewAuthenticator(secret string, ttl time.Duration, st store.Store) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, store: st}, nil
}

// IssueToken mints a signed bearer token for the user.
func (a *Authenticator) IssueToken(user model.User) (string, error) {
	now := time.Now()
	claims := authClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// VerifyToken validates the token and loads the user it names. Expired
// or malformed tokens, and tokens naming an unknown or deactivated
// user, all fail with ErrAuth.
func (a *Authenticator) VerifyToken(ctx context.Context, tokenStr string) (model.User, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &authClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return model.User{}, ErrAuth
	}
	claims, ok := token.Claims.(*authClaims)
	if !ok {
		return model.User{}, ErrAuth
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return model.User{}, ErrAuth
	}
	user, err := a.store.UserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return model.User{}, ErrAuth
	}
	if err != nil {
		return model.User{}, err
	}
	if !user.IsActive {
		return model.User{}, ErrAuth
	}
	return user, nil
}

// VerifyPassword checks a candidate password against the stored hash.
func (a *Authenticator) VerifyPassword(user model.User, password string) error {
	if user.PasswordHash == "" {
		return ErrAuth
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return ErrAuth
	}
	return nil
}

// HashPassword hashes a password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

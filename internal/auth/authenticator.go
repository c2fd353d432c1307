package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"slices"
	"time"

	"github.com/goevery/snapshot-aggregator/internal/ierr"
	"github.com/golang-jwt/jwt/v5"
)

const (
	Audience = "snapshot-aggregator"

	ScopeRead  = "read"
	ScopeWatch = "watch"
)

type Claims struct {
	jwt.RegisteredClaims
	AuthorizedRooms []string `json:"authorizedRooms,omitempty"`
	Scope           []string `json:"scope,omitempty"`
}

type Authentication struct {
	Subject         string
	AuthorizedRooms []string
	Scope           []string
	IsAdmin         bool
}

func (a *Authentication) IsReader() bool {
	return a.IsAdmin || slices.Contains(a.Scope, ScopeRead)
}

func (a *Authentication) IsWatcher() bool {
	return a.IsAdmin || slices.Contains(a.Scope, ScopeWatch)
}

func (a *Authentication) IsAuthorized(roomId string) bool {
	if a.Subject == "" {
		return false
	}

	if a.IsAdmin {
		return true
	}

	return slices.Contains(a.AuthorizedRooms, roomId)
}

type contextKey string

const authenticationKey contextKey = "authentication"

func WithAuthentication(ctx context.Context, auth *Authentication) context.Context {
	return context.WithValue(ctx, authenticationKey, auth)
}

func AuthenticationFromContext(ctx context.Context) (*Authentication, bool) {
	auth, ok := ctx.Value(authenticationKey).(*Authentication)
	return auth, ok
}

type Authenticator struct {
	secret    []byte
	apiKeys   []string
	jwtParser *jwt.Parser
}

func NewAuthenticator(secret string, apiKeys []string) *Authenticator {
	jwtParser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithAudience(Audience),
	)

	return &Authenticator{
		secret:    []byte(secret),
		apiKeys:   apiKeys,
		jwtParser: jwtParser,
	}
}

// Enabled reports whether any credential is configured. Without credentials
// every caller is treated as an administrator.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0 || len(a.apiKeys) > 0
}

func (a *Authenticator) Anonymous() *Authentication {
	return &Authentication{
		Subject: "anonymous",
		Scope:   []string{ScopeRead, ScopeWatch},
		IsAdmin: true,
	}
}

// Authenticate accepts either an API key or a JWT.
func (a *Authenticator) Authenticate(token string) (*Authentication, error) {
	authentication, err := a.AuthenticateAPIKey(token)
	if err == nil {
		return authentication, nil
	}

	return a.AuthenticateJWT(token)
}

func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("unexpected signing method"))
	}
	return a.secret, nil
}

func (a *Authenticator) AuthenticateJWT(tokenString string) (*Authentication, error) {
	if len(a.secret) == 0 {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("token authentication disabled"))
	}

	claims := Claims{}

	_, err := a.jwtParser.ParseWithClaims(tokenString, &claims, a.keyFunc)
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid subject claim"))
	}

	if len(claims.AuthorizedRooms) == 0 {
		return nil, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("authorized rooms cannot be empty"))
	}

	return &Authentication{
		Subject:         subject,
		AuthorizedRooms: claims.AuthorizedRooms,
		Scope:           claims.Scope,
		IsAdmin:         false,
	}, nil
}

func (a *Authenticator) AuthenticateAPIKey(apiKey string) (*Authentication, error) {
	for _, key := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			return &Authentication{
				Subject: "api",
				Scope:   []string{ScopeRead, ScopeWatch},
				IsAdmin: true,
			}, nil
		}
	}

	return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("invalid api key"))
}

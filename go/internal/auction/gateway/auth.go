package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/mcdev12/gavel/go/internal/models"
)

// Identity is the authenticated caller of a session.
type Identity struct {
	ParticipantID string
	ReadOnly      bool
}

// Authenticator resolves the identity of an incoming connection.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// RoleViewer marks a token that may watch auctions but never bid.
const RoleViewer = "viewer"

type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 bearer tokens. Requests without a token are admitted as
// read-only anonymous viewers when AllowAnonymous is set.
type JWTAuthenticator struct {
	secret         []byte
	issuer         string
	allowAnonymous bool
}

func NewJWTAuthenticator(secret, issuer string, allowAnonymous bool) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret:         []byte(secret),
		issuer:         issuer,
		allowAnonymous: allowAnonymous,
	}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	token := tokenFromRequest(r)
	if token == "" {
		if a.allowAnonymous {
			return Identity{ParticipantID: models.AnonymousParticipant, ReadOnly: true}, nil
		}
		return Identity{}, ErrUnauthenticated
	}

	claims, err := a.Parse(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		ParticipantID: claims.Subject,
		ReadOnly:      claims.Role == RoleViewer,
	}, nil
}

// Parse validates a token and returns its claims.
func (a *JWTAuthenticator) Parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	t, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := t.Claims.(*Claims)
	if !ok || !t.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Issue signs a token for participantID. Used by tooling and tests.
func (a *JWTAuthenticator) Issue(participantID, role string, ttl time.Duration) (string, error) {
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("access_token")
}

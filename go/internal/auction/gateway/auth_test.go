package gateway

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/mcdev12/gavel/go/internal/models"
)

func TestAuthenticateBearerToken(t *testing.T) {
	auth := NewJWTAuthenticator(testSecret, "gavel", false)
	token, err := auth.Issue("alice", "", time.Hour)
	assert.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws/auction", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id, err := auth.Authenticate(r)
	assert.NoError(t, err)
	check.Equal(t, "alice", id.ParticipantID)
	check.False(t, id.ReadOnly)
}

func TestAuthenticateQueryToken(t *testing.T) {
	auth := NewJWTAuthenticator(testSecret, "", false)
	token, err := auth.Issue("bob", RoleViewer, time.Hour)
	assert.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws/auction?access_token="+token, nil)
	id, err := auth.Authenticate(r)
	assert.NoError(t, err)
	check.Equal(t, "bob", id.ParticipantID)
	check.True(t, id.ReadOnly)
}

func TestAuthenticateAnonymous(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/auction", nil)

	id, err := NewJWTAuthenticator(testSecret, "", true).Authenticate(r)
	assert.NoError(t, err)
	check.Equal(t, models.AnonymousParticipant, id.ParticipantID)
	check.True(t, id.ReadOnly)

	_, err = NewJWTAuthenticator(testSecret, "", false).Authenticate(r)
	check.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	auth := NewJWTAuthenticator(testSecret, "gavel", true)

	forged, err := NewJWTAuthenticator("other-secret", "gavel", true).Issue("mallory", "", time.Hour)
	assert.NoError(t, err)
	expired, err := auth.Issue("alice", "", -time.Minute)
	assert.NoError(t, err)
	wrongIssuer, err := NewJWTAuthenticator(testSecret, "elsewhere", true).Issue("alice", "", time.Hour)
	assert.NoError(t, err)

	for _, token := range []string{forged, expired, wrongIssuer, "not-a-jwt"} {
		r := httptest.NewRequest("GET", "/ws/auction", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		_, err := auth.Authenticate(r)
		check.True(t, errors.Is(err, ErrInvalidToken))
	}
}

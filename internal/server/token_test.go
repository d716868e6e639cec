package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmTokenRoundTrip(t *testing.T) {
	token, err := issueConfirmToken("alice@example.com", "secret", time.Hour)
	require.NoError(t, err)

	email, err := parseConfirmToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", email)
}

func TestConfirmTokenWrongSecret(t *testing.T) {
	token, err := issueConfirmToken("alice@example.com", "secret", time.Hour)
	require.NoError(t, err)

	_, err = parseConfirmToken(token, "other-secret")
	require.Error(t, err)
}

func TestConfirmTokenExpiry(t *testing.T) {
	token, err := issueConfirmToken("alice@example.com", "secret", -time.Minute)
	require.NoError(t, err)

	_, err = parseConfirmToken(token, "secret")
	require.Error(t, err, "expired tokens must be rejected")
}

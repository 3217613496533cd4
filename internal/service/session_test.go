package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vilaca/mlsync/internal/domain"
)

func TestSession_Lifecycle(t *testing.T) {
	user := domain.UserProfile{ID: 1, Username: "tester"}
	s := OpenSession(context.Background(), user)

	assert.True(t, s.Active())
	assert.Equal(t, user, s.User())
	assert.NoError(t, s.check())

	s.Close()
	s.Close()

	assert.False(t, s.Active())
	assert.ErrorIs(t, s.check(), domain.ErrSessionClosed)
	assert.Error(t, s.Context().Err())
}

func TestSession_ParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	s := OpenSession(parent, domain.UserProfile{})

	cancel()

	assert.False(t, s.Active())
}

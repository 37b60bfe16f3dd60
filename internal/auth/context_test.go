// ABOUTME: Tests for identity propagation through context
// ABOUTME: Covers WithIdentity, FromContext and MustFromContext

package auth

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestWithIdentity_RoundTrip(t *testing.T) {
	identity := Identity{AccountID: uuid.New(), DisplayName: "Grace"}
	ctx := WithIdentity(context.Background(), identity)

	got, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, identity, got)
	assert.Equal(t, identity, MustFromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	_, ok = FromContext(WithIdentity(context.Background(), Identity{}))
	assert.False(t, ok, "zero identity should not count as authenticated")
}

func TestMustFromContext_Panics(t *testing.T) {
	assert.Panics(t, func() {
		MustFromContext(context.Background())
	})
}

package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyIdentity(t *testing.T) {
	key := []byte("shared-peering-secret")
	id := uuid.New()

	token, err := SignIdentity(id, key)
	require.NoError(t, err)
	require.NoError(t, VerifyIdentity(token, id, key))
}

func TestVerifyIdentityRejectsWrongID(t *testing.T) {
	key := []byte("shared-peering-secret")
	token, err := SignIdentity(uuid.New(), key)
	require.NoError(t, err)

	require.Error(t, VerifyIdentity(token, uuid.New(), key))
}

func TestVerifyIdentityRejectsWrongKey(t *testing.T) {
	id := uuid.New()
	token, err := SignIdentity(id, []byte("key-a"))
	require.NoError(t, err)

	require.Error(t, VerifyIdentity(token, id, []byte("key-b")))
}

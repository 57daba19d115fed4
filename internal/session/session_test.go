package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outmoded/postmile-web/internal/storage"
	"github.com/outmoded/postmile-web/internal/ticket"
)

func TestSetRejectsInvalidTicket(t *testing.T) {
	manager := NewManager(storage.NewMemoryStorage())

	_, err := manager.Set(context.Background(), "sess1", &ticket.Ticket{ID: "t1"})
	assert.ErrorIs(t, err, ErrInvalidTicket)

	_, err = manager.Get(context.Background(), "sess1")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestSetDerivesRestriction(t *testing.T) {
	tests := []struct {
		name string
		tos  int64
		want string
	}{
		{"no acceptance recorded", 0, RestrictionTOS},
		{"stale acceptance", 20100101, RestrictionTOS},
		{"current acceptance", 20110623, ""},
		{"future acceptance", 20250101, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager(storage.NewMemoryStorage())

			tkt := &ticket.Ticket{
				ID:        "t1",
				Key:       "k1",
				Algorithm: "sha256",
				User:      "u1",
				Ext:       ticket.Ext{Tos: tt.tos},
			}
			restriction, err := manager.Set(context.Background(), "sess1", tkt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, restriction)

			sess, err := manager.Get(context.Background(), "sess1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, sess.Restriction)
			assert.Equal(t, "u1", sess.UserID)
		})
	}
}

func TestClearRemovesSession(t *testing.T) {
	manager := NewManager(storage.NewMemoryStorage())
	ctx := context.Background()

	tkt := &ticket.Ticket{ID: "t1", Key: "k1", Algorithm: "sha256", Ext: ticket.Ext{Tos: 20110623}}
	_, err := manager.Set(ctx, "sess1", tkt)
	require.NoError(t, err)

	require.NoError(t, manager.Clear(ctx, "sess1"))
	_, err = manager.Get(ctx, "sess1")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

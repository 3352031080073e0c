package memory

import (
	"context"
	"testing"
	"time"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRepository_OrdersAndLimits(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(0)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Inserted out of order.
	for _, m := range []struct {
		text string
		at   time.Duration
	}{{"b", 2 * time.Second}, {"a", time.Second}, {"c", 3 * time.Second}} {
		_, err := repo.Create(ctx, &domain.Message{TicketID: "1", Message: m.text, Sender: domain.SenderAgent, CreatedAt: base.Add(m.at)})
		require.NoError(t, err)
	}
	_, err := repo.Create(ctx, &domain.Message{TicketID: "2", Message: "other", Sender: domain.SenderAgent})
	require.NoError(t, err)

	all, err := repo.ListByTicketID(ctx, "1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].Message, all[1].Message, all[2].Message})

	latest, err := repo.ListByTicketID(ctx, "1", 2)
	require.NoError(t, err)
	assert.Equal(t, "b", latest[0].Message)
	assert.Equal(t, "c", latest[1].Message)

	none, err := repo.ListByTicketID(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMessageRepository_AssignsIDAndCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(0)

	in := &domain.Message{TicketID: "1", Message: "hi", Sender: domain.SenderCustomer}
	saved, err := repo.Create(ctx, in)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Empty(t, in.ID, "caller's message is not mutated")

	saved.Message = "tampered"
	list, _ := repo.ListByTicketID(ctx, "1", 0)
	assert.Equal(t, "hi", list[0].Message)
}

func TestMessageRepository_Retention(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(2)
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		_, err := repo.Create(ctx, &domain.Message{TicketID: "1", Message: string(rune('a' + i)), Sender: domain.SenderAgent, CreatedAt: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}

	list, _ := repo.ListByTicketID(ctx, "1", 0)
	require.Len(t, list, 2)
	assert.Equal(t, "d", list[0].Message)
	assert.Equal(t, "e", list[1].Message)
}

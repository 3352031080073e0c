package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketUpdate_UnmarshalSplitsChanges(t *testing.T) {
	var update domain.TicketUpdate
	err := json.Unmarshal([]byte(`{"ticketId":"42","status":"CLOSED","priority":"HIGH"}`), &update)
	require.NoError(t, err)

	assert.Equal(t, "42", update.TicketID)
	assert.Equal(t, map[string]any{"status": "CLOSED", "priority": "HIGH"}, update.Changes)
}

func TestTicketUpdate_NumericTicketID(t *testing.T) {
	var update domain.TicketUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"ticketId":420,"status":"OPEN"}`), &update))
	assert.Equal(t, "420", update.TicketID)
}

func TestTicketUpdate_MarshalFlattens(t *testing.T) {
	update := domain.TicketUpdate{TicketID: "42", Changes: map[string]any{"status": "CLOSED"}}
	raw, err := json.Marshal(update)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ticketId":"42","status":"CLOSED"}`, string(raw))
}

func TestTicketUpdate_Validate(t *testing.T) {
	assert.ErrorIs(t, domain.TicketUpdate{Changes: map[string]any{"a": 1}}.Validate(), apperrors.ErrTicketIDRequired)
	assert.ErrorIs(t, domain.TicketUpdate{TicketID: "1"}.Validate(), apperrors.ErrNoChanges)
	assert.NoError(t, domain.TicketUpdate{TicketID: "1", Changes: map[string]any{"a": 1}}.Validate())
}

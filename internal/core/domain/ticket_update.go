package domain

import (
	"encoding/json"
	"strconv"
	"strings"

	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
)

// TicketUpdate is the ticket_updated payload: the ticket id plus whatever
// fields changed. On the wire the changed fields sit next to ticketId.
type TicketUpdate struct {
	TicketID string
	Changes  map[string]any
}

// Validate checks that the update names a ticket and carries changes. The
// status and priority fields, when present, must hold known values.
func (u TicketUpdate) Validate() error {
	if strings.TrimSpace(u.TicketID) == "" {
		return apperrors.ErrTicketIDRequired
	}
	if len(u.Changes) == 0 {
		return apperrors.ErrNoChanges
	}
	if v, ok := u.Changes[FieldStatus]; ok {
		if s, _ := v.(string); !TicketStatus(s).IsValid() {
			return apperrors.ErrInvalidStatus
		}
	}
	if v, ok := u.Changes[FieldPriority]; ok {
		if p, _ := v.(string); !TicketPriority(p).IsValid() {
			return apperrors.ErrInvalidPriority
		}
	}
	return nil
}

// MarshalJSON flattens Changes next to ticketId.
func (u TicketUpdate) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(u.Changes)+1)
	for k, v := range u.Changes {
		flat[k] = v
	}
	flat["ticketId"] = u.TicketID
	return json.Marshal(flat)
}

// UnmarshalJSON splits ticketId from the changed fields.
func (u *TicketUpdate) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	u.TicketID = ""
	switch id := flat["ticketId"].(type) {
	case string:
		u.TicketID = id
	case float64:
		// Some producers send numeric ids.
		u.TicketID = strconv.FormatFloat(id, 'f', -1, 64)
	}
	delete(flat, "ticketId")

	u.Changes = flat
	return nil
}

// Package historyapi talks to the server's REST surface: ticket history,
// ticket update broadcasts and development tokens.
package historyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
)

const defaultTimeout = 10 * time.Second

// Client calls the REST API with the token from the token store.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  ports.TokenStore
	logger  *slog.Logger
}

// New creates a client for the API rooted at baseURL, e.g.
// http://localhost:8080/api/v1.
func New(baseURL string, tokens ports.TokenStore, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		tokens:  tokens,
		logger:  logger.With("component", "history_api"),
	}
}

type listResponse struct {
	Data  []domain.Message `json:"data"`
	Count int              `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// TokenResponse is what the dev token endpoint returns.
type TokenResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	ExpiresAt string `json:"expiresAt"`
}

// ListMessages returns the ticket's most recent messages, oldest first.
// limit <= 0 leaves the page size to the server.
func (c *Client) ListMessages(ctx context.Context, ticketID string, limit int) ([]domain.Message, error) {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return nil, apperrors.ErrTicketIDRequired
	}

	path := "/tickets/" + url.PathEscape(ticketID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp listResponse
	if err := c.do(ctx, http.MethodGet, path, nil, true, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// PublishTicketUpdate asks the server to broadcast a ticket_updated event.
func (c *Client) PublishTicketUpdate(ctx context.Context, update domain.TicketUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	path := "/tickets/" + url.PathEscape(strings.TrimSpace(update.TicketID)) + "/updates"
	return c.do(ctx, http.MethodPost, path, update.Changes, true, nil)
}

// DevToken requests a development token. userID may be empty.
func (c *Client) DevToken(ctx context.Context, userID, role string) (*TokenResponse, error) {
	body := map[string]string{"role": role}
	if userID != "" {
		body["userId"] = userID
	}
	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/dev-token", body, false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, authed bool, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if authed {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("read auth token: %w", err)
		}
		if token == "" {
			return apperrors.ErrNoAuthToken
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "api call", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError turns a non-2xx response into an error, keeping the server's
// message when it sent one.
func statusError(resp *http.Response) error {
	var body errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body)
	detail := body.Error
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthRejected, detail)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", apperrors.ErrForbidden, detail)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, detail)
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, detail)
	}
}

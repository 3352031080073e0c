package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/lorrc/service-desk-realtime/internal/config"
	"github.com/lorrc/service-desk-realtime/internal/core/domain"
)

func runHistory(args []string) error {
	var verbose bool
	var limit int

	flags := newFlagSet("history", &verbose)
	flags.IntVarP(&limit, "limit", "n", 0, "number of messages (default: server default)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: deskchat history <ticketID> [--limit N]")
	}

	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	messages, err := apiClient(cfg, newLogger(cfg, verbose)).ListMessages(ctx, flags.Arg(0), limit)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		fmt.Fprintln(os.Stderr, "no messages yet")
		return nil
	}
	for _, msg := range messages {
		fmt.Fprintln(os.Stdout, formatMessage(msg))
	}
	return nil
}

func runUpdate(args []string) error {
	var verbose bool
	flags := newFlagSet("update", &verbose)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() < 2 {
		return fmt.Errorf("usage: deskchat update <ticketID> field=value [field=value...]")
	}

	changes, err := parseChanges(flags.Args()[1:])
	if err != nil {
		return err
	}

	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	update := domain.TicketUpdate{TicketID: flags.Arg(0), Changes: changes}
	if err := apiClient(cfg, newLogger(cfg, verbose)).PublishTicketUpdate(ctx, update); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "update broadcast to ticket %s\n", update.TicketID)
	return nil
}

// parseChanges turns field=value pairs into a change set. Values that are
// valid JSON (numbers, booleans, null, quoted strings) keep their type.
func parseChanges(pairs []string) (map[string]any, error) {
	changes := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		field, raw, ok := strings.Cut(pair, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid change %q, want field=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		changes[field] = value
	}
	return changes, nil
}

func formatMessage(msg domain.Message) string {
	stamp := ""
	if !msg.CreatedAt.IsZero() {
		stamp = msg.CreatedAt.Local().Format("15:04") + " "
	}
	return fmt.Sprintf("%s[#%s] %s: %s", stamp, msg.TicketID, msg.Sender, msg.Message)
}

func formatUpdate(update domain.TicketUpdate) string {
	fields := make([]string, 0, len(update.Changes))
	for field, value := range update.Changes {
		fields = append(fields, field+"="+formatValue(value))
	}
	slices.Sort(fields)
	return fmt.Sprintf("** ticket #%s updated: %s", update.TicketID, strings.Join(fields, ", "))
}

func formatValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return string(raw)
	}
}

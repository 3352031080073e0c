package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lorrc/service-desk-realtime/internal/config"
)

func runLogin(args []string) error {
	var verbose, dev bool
	var role, userID string

	flags := newFlagSet("login", &verbose)
	flags.BoolVar(&dev, "dev", false, "mint a development token from the server")
	flags.StringVar(&role, "role", "agent", "role for --dev: agent or customer")
	flags.StringVar(&userID, "user", "", "user id for --dev (default: a new one)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	store := fileStore(cfg)

	var token string
	switch {
	case dev:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := apiClient(cfg, newLogger(cfg, verbose)).DevToken(ctx, userID, role)
		if err != nil {
			return fmt.Errorf("request development token: %w", err)
		}
		token = resp.Token
		fmt.Fprintf(os.Stderr, "issued %s token for user %s (expires %s)\n", resp.Role, resp.UserID, resp.ExpiresAt)
	case flags.NArg() > 0:
		token = flags.Arg(0)
	default:
		fmt.Fprint(os.Stderr, "paste token: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read token: %w", err)
		}
		token = line
	}

	if err := store.Save(strings.TrimSpace(token)); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "token saved to %s\n", store.Path())
	return nil
}

func runLogout(args []string) error {
	var verbose bool
	flags := newFlagSet("logout", &verbose)
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	store := fileStore(cfg)
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "token removed from %s\n", store.Path())
	return nil
}

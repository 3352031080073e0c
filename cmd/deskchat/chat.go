package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/lorrc/service-desk-realtime/internal/adapters/secondary/notify"
	"github.com/lorrc/service-desk-realtime/internal/adapters/secondary/wsclient"
	"github.com/lorrc/service-desk-realtime/internal/config"
	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/netwatch"
	"github.com/lorrc/service-desk-realtime/internal/realtime"
)

func runChat(args []string) error {
	var verbose bool
	var ticketID, sender string

	flags := newFlagSet("chat", &verbose)
	flags.StringVarP(&ticketID, "ticket", "t", "", "ticket to join (required)")
	flags.StringVarP(&sender, "sender", "s", "agent", "who you are in the conversation: agent or customer")
	if err := flags.Parse(args); err != nil {
		return err
	}
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return fmt.Errorf("--ticket is required")
	}
	if !domain.Sender(sender).IsValid() {
		return apperrors.ErrInvalidSender
	}

	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn := realtime.NewConnection(
		realtime.Config{
			Endpoint:             cfg.Realtime.URL,
			BaseDelay:            cfg.Realtime.BaseDelay,
			MaxDelay:             cfg.Realtime.MaxDelay,
			MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
			ConnectTimeout:       cfg.Realtime.ConnectTimeout,
		},
		wsclient.NewDialer(cfg.Realtime.ConnectTimeout, logger),
		tokenChain(cfg),
		realtime.WithNotifier(notify.NewBanner(os.Stderr)),
		realtime.WithLogger(logger),
	)
	defer conn.Close()

	out := &console{w: os.Stdout}
	conn.OnNewMessage(func(msg domain.Message) {
		if msg.TicketID == ticketID {
			out.println(formatMessage(msg))
		}
	})
	conn.OnTicketUpdated(func(update domain.TicketUpdate) {
		if update.TicketID == ticketID {
			out.println(formatUpdate(update))
		}
	})

	var first sync.Once
	conn.OnConnect(func(domain.LifecycleEvent) {
		first.Do(func() {
			out.println(fmt.Sprintf("** joined ticket #%s as %s; type a message and press enter, /quit to leave", ticketID, sender))
		})
	})

	if err := conn.Subscribe(ticketID); err != nil {
		return err
	}
	if err := conn.Connect(ctx); err != nil {
		if errors.Is(err, apperrors.ErrNoAuthToken) {
			return fmt.Errorf("%w; run `deskchat login` first", err)
		}
		return err
	}

	watcher := netwatch.New(strings.TrimRight(cfg.Realtime.APIURL, "/")+"/health/live", cfg.Realtime.ProbeInterval, conn, logger)
	go watcher.Run(ctx)

	lines := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			out.println("** leaving")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				continue
			case line == "/quit":
				return nil
			case line == "/reconnect":
				if err := conn.Connect(ctx); err != nil {
					out.println("!! " + err.Error())
				}
				continue
			}

			if err := sendLine(conn, ticketID, sender, line); err != nil {
				out.println("!! message not sent: " + err.Error())
			}
		}
	}
}

func sendLine(conn *realtime.Connection, ticketID, sender, text string) error {
	msg, err := domain.NewMessage(ticketID, text, domain.Sender(sender))
	if err != nil {
		return err
	}
	return conn.SendMessage(msg)
}

// readLines delivers stdin lines until EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 4096), 64*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// console serializes output from the connection's goroutines and the
// input loop.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) println(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, line)
}

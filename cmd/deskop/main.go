// Command deskop is a terminal operator console.
//
// Usage:
//
//	deskop [flags] watch             stream and print conversations live
//	deskop [flags] list              print the conversation index once
//	deskop [flags] show <id>         print one conversation's merged timeline
//	deskop [flags] reply <id> <text> send a message
//	deskop [flags] status <id> <new|processing|closed>
//
// The bearer token comes from -token or DESK_TOKEN (a .env file is honored).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"desk/cmd/opview"
	v1 "desk/shared/contracts/chat/v1"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	var (
		baseURL = flag.String("url", envOr("DESK_URL", "http://127.0.0.1:8080"), "server base URL")
		token   = flag.String("token", os.Getenv("DESK_TOKEN"), "bearer access token")
		refresh = flag.Duration("refresh", 30*time.Second, "pull interval for watch")
		timeout = flag.Duration("timeout", 10*time.Second, "per-request timeout for one-shot commands")
		verbose = flag.Bool("v", false, "verbose logging")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: deskop [flags] watch|list|show|reply|status ...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client, err := opview.NewClient(*baseURL, *token, nil)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	switch args[0] {
	case "watch":
		err = watch(ctx, log, client, *refresh)
	case "list":
		err = withTimeout(ctx, *timeout, func(ctx context.Context) error { return list(ctx, log, client) })
	case "show":
		id := mustID(args, 2)
		err = withTimeout(ctx, *timeout, func(ctx context.Context) error { return show(ctx, log, client, id) })
	case "reply":
		id := mustID(args, 3)
		text := strings.Join(args[2:], " ")
		err = withTimeout(ctx, *timeout, func(ctx context.Context) error {
			m, err := client.SendMessage(ctx, id, text)
			if err == nil {
				fmt.Printf("sent message %d at %s\n", m.ID, m.SendTime.Format(time.RFC3339))
			}
			return err
		})
	case "status":
		id := mustID(args, 3)
		err = withTimeout(ctx, *timeout, func(ctx context.Context) error {
			c, err := client.UpdateStatus(ctx, id, args[2])
			if err == nil {
				fmt.Printf("conversation %d is %s\n", c.ID, c.Status)
			}
			return err
		})
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fatalf("%v", err)
	}
}

func watch(ctx context.Context, log *slog.Logger, client *opview.Client, refresh time.Duration) error {
	cache := opview.NewCache()

	cfg := opview.DefaultConfig()
	cfg.PullInterval = refresh

	syncer := opview.NewSyncer(log, cfg, client, cache, opview.WithEventHook(func(ev v1.Event) {
		printEvent(os.Stdout, ev)
	}))

	err := syncer.Run(ctx)
	printIndex(os.Stdout, cache.Conversations())
	return err
}

func list(ctx context.Context, log *slog.Logger, client *opview.Client) error {
	cache := opview.NewCache()
	if err := opview.NewSyncer(log, opview.DefaultConfig(), client, cache).Refresh(ctx); err != nil {
		return err
	}
	printIndex(os.Stdout, cache.Conversations())
	return nil
}

func show(ctx context.Context, log *slog.Logger, client *opview.Client, id int64) error {
	cache := opview.NewCache()
	if err := opview.NewSyncer(log, opview.DefaultConfig(), client, cache).Refresh(ctx); err != nil {
		return err
	}
	e, ok := cache.Conversation(id)
	if !ok {
		return fmt.Errorf("conversation %d not visible", id)
	}
	fmt.Printf("#%d %q [%s] customer=%s updated=%s\n", e.Conversation.ID, e.Conversation.Title,
		e.Conversation.Status, e.Conversation.CustomerID, e.Conversation.UpdatedAt.Format(time.RFC3339))
	for _, m := range cache.MergedTimeline(id) {
		printMessage(os.Stdout, m)
	}
	return nil
}

func printEvent(w io.Writer, ev v1.Event) {
	switch e := ev.(type) {
	case v1.ConversationCreated:
		fmt.Fprintf(w, "+ conversation #%d %q from %s\n", e.Conversation.ID, e.Conversation.Title, e.Conversation.CustomerID)
	case v1.ConversationStatusChanged:
		fmt.Fprintf(w, "~ conversation #%d is now %s\n", e.Conversation.ID, e.Conversation.Status)
	case v1.MessageCreated:
		printMessage(w, e.Message)
	}
}

func printMessage(w io.Writer, m v1.MessageView) {
	body := m.Text
	if m.AttachmentRef != "" {
		body = strings.TrimSpace(body + " [attachment " + m.AttachmentRef + "]")
	}
	fmt.Fprintf(w, "  #%d %s %s/%s: %s\n", m.ConversationID, m.SendTime.Format("15:04:05"), m.SenderRole, m.SenderID, body)
}

func printIndex(w io.Writer, entries []opview.Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCUSTOMER\tMESSAGES\tUPDATED\tTITLE")
	for _, e := range entries {
		c := e.Conversation
		status := c.Status
		if e.Stub {
			status = "?"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", c.ID, status, c.CustomerID, e.Messages, c.UpdatedAt.Format(time.RFC3339), c.Title)
	}
	_ = tw.Flush()
}

func withTimeout(parent context.Context, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()
	return fn(ctx)
}

// mustID parses args[1] after checking that at least minArgs arguments were given.
func mustID(args []string, minArgs int) int64 {
	if len(args) < minArgs {
		fatalf("%s: missing arguments", args[0])
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || id <= 0 {
		fatalf("invalid conversation id %q", args[1])
	}
	return id
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "deskop: "+format+"\n", args...)
	os.Exit(1)
}

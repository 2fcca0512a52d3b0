package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"desk/cmd/identity"

	"github.com/joho/godotenv"
)

// Run is the entrypoint used by cmd/desk. args excludes the program name.
//
// With no arguments it serves. "issue-session" mints a session and prints its
// access token, which is how operators and test customers obtain credentials
// while login lives outside this server.
func Run(args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("app: load .env: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) > 0 && args[0] == "issue-session" {
		return issueSession(ctx, args[1:], os.Stdout)
	}
	if len(args) > 0 {
		return fmt.Errorf("app: unknown command %q", args[0])
	}

	cfg := LoadConfig()
	a, err := New(ctx, cfg, NewLogger(cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func issueSession(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("issue-session", flag.ContinueOnError)
	user := fs.String("user", "", "subject id the session belongs to")
	role := fs.String("role", string(identity.RoleCustomer), "customer or operator")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := identity.ParseRole(*role)
	if err != nil {
		return err
	}

	cfg := LoadConfig()
	if cfg.DatabaseURL == "" {
		return errors.New("app: issue-session needs DESK_DATABASE_URL; in-memory sessions end with this process")
	}
	a, err := New(ctx, cfg, newLogger(io.Discard, cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		return err
	}
	defer a.closeResources(context.Background())

	issued, err := a.sessions.IssueSession(ctx, time.Now().UTC(), *user, r)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "DESK_URL=%s\nDESK_TOKEN=%s\n# session %s, token expires %s, session expires %s\n",
		runtimeBaseURL(cfg.HTTPAddr),
		issued.AccessToken,
		issued.SessionID,
		issued.AccessExp.Format(time.RFC3339),
		issued.SessionExp.Format(time.RFC3339),
	)
	return err
}

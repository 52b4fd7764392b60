// ABOUTME: Terminal chat client for parley-gateway built on the session state machine
// ABOUTME: Line-oriented input with slash commands; live messages print as they arrive

package main

import (
	"bufio"
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
	"time"

	"github.com/fatih/color"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/client"
	"github.com/2389/parley/internal/session"
)

var (
	self    = color.New(color.FgGreen, color.Bold)
	peer    = color.New(color.FgCyan, color.Bold)
	dim     = color.New(color.FgHiBlack)
	warning = color.New(color.FgYellow)
	failure = color.New(color.FgRed)
	success = color.New(color.FgGreen)
)

// app holds the wiring shared by the command handlers.
type app struct {
	userID string
	api    *client.HTTPClient
	sess   *session.Session
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "Path to client.toml")
	server := flag.String("server", "", "Gateway URL (overrides config)")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.Server.URL = *server
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
}

func setupLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func run(ctx context.Context, cfg *Config) error {
	token, err := cfg.Token()
	if err != nil {
		return err
	}
	userID := cfg.User.ID
	if userID == "" {
		if userID, err = auth.Subject(token); err != nil {
			return fmt.Errorf("reading user id from token: %w", err)
		}
	}

	logger := setupLogger(cfg.Logging.Level)
	opts, err := cfg.SessionOptions()
	if err != nil {
		return err
	}

	api := client.NewHTTPClient(cfg.Server.URL, userID, token, &client.Options{
		PageSize: cfg.Session.PageSize,
		Logger:   logger,
	})
	dialer := client.NewWebSocketDialer(cfg.Server.URL, userID, token, &client.DialerOptions{Logger: logger})

	opts.Sender = api
	opts.Logger = logger
	opts.OnMessage = func(conv chat.Conversation, msg chat.Message) { printMessage(userID, msg) }
	opts.OnDelete = func(conv chat.Conversation, id int64) { dim.Printf("  (message %d deleted)\n", id) }
	opts.OnError = func(err error) {
		var connErr *session.ConnectionError
		if errors.As(err, &connErr) {
			failure.Printf("  connection lost after %d attempts; /reconnect to try again\n", connErr.Attempts)
			return
		}
		warning.Printf("  %v\n", err)
	}

	sess := session.New(userID, dialer, api, opts)
	defer sess.Close()

	fmt.Printf("parley as %s on %s\n", self.Sprint(userID), cfg.Server.URL)
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	fmt.Println("Type /help for commands. Ctrl+C to quit.")
	fmt.Println()

	go watchState(ctx, sess)

	a := &app{userID: userID, api: api, sess: sess}
	return a.loop(ctx, os.Stdin)
}

// watchState announces transport drops and recoveries as they happen,
// rather than only at the next prompt.
func watchState(ctx context.Context, sess *session.Session) {
	for {
		changed := sess.Changed()
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
		switch sess.State() {
		case session.StateReconnecting:
			warning.Println("\n  connection lost, reconnecting...")
		case session.StateConnected:
			success.Println("\n  reconnected")
		}
	}
}

func (a *app) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
			return
		}
		errCh <- io.EOF
	}()

	for {
		a.prompt()
		var line string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case line = <-lines:
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			return nil
		}
		if err := a.handle(ctx, line); err != nil {
			failure.Printf("[error] %v\n", err)
		}
	}
}

func (a *app) prompt() {
	conv, ok := a.sess.Current()
	state := a.sess.State()
	switch {
	case state != session.StateConnected:
		warning.Printf("[%s] ", state)
	case ok:
		fmt.Printf("[%s] ", label(a.userID, conv))
	}
	fmt.Print("> ")
}

func (a *app) handle(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		_, err := a.sess.Send(ctx, line)
		return err
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/open":
		if arg == "" {
			return errors.New("usage: /open <user>")
		}
		return a.open(ctx, chat.Private(a.userID, arg))
	case "/group":
		if arg == "" {
			return errors.New("usage: /group <id>")
		}
		return a.open(ctx, chat.Group(arg))
	case "/newgroup":
		g, err := a.api.CreateGroup(ctx, "", arg)
		if err != nil {
			return err
		}
		fmt.Printf("created group %s\n", g.ID)
		return a.open(ctx, chat.Group(g.ID))
	case "/invite", "/kick", "/members":
		return a.membership(ctx, cmd, arg)
	case "/history":
		return a.history(ctx, arg)
	case "/delete":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return errors.New("usage: /delete <message id>")
		}
		_, err = a.api.DeleteMessage(ctx, id)
		return err
	case "/reconnect":
		return a.sess.Connect(ctx)
	case "/help":
		printHelp()
		return nil
	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

// open switches the session. Reconciled messages print through OnMessage.
func (a *app) open(ctx context.Context, conv chat.Conversation) error {
	if err := a.sess.Switch(ctx, conv); err != nil {
		return err
	}
	fmt.Printf("now in %s\n", label(a.userID, conv))
	return nil
}

func (a *app) membership(ctx context.Context, cmd, arg string) error {
	conv, ok := a.sess.Current()
	if !ok || conv.Kind != chat.KindGroup {
		return errors.New("open a group first")
	}
	switch cmd {
	case "/members":
		members, err := a.api.Members(ctx, conv.GroupID)
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(members, ", "))
		return nil
	case "/invite":
		if arg == "" {
			return errors.New("usage: /invite <user>")
		}
		return a.api.AddMember(ctx, conv.GroupID, arg)
	default:
		if arg == "" {
			return errors.New("usage: /kick <user>")
		}
		return a.api.RemoveMember(ctx, conv.GroupID, arg)
	}
}

// history prints the selected conversation's timeline. With a date argument
// (YYYY-MM-DD) it asks the gateway for that day instead.
func (a *app) history(ctx context.Context, arg string) error {
	conv, ok := a.sess.Current()
	if !ok {
		return session.ErrNoConversation
	}
	if arg == "" {
		for _, m := range a.sess.Messages(conv) {
			printMessage(a.userID, m)
		}
		return nil
	}

	day, err := time.ParseInLocation(time.DateOnly, arg, time.Local)
	if err != nil {
		return errors.New("usage: /history [YYYY-MM-DD]")
	}
	page, err := a.api.History(ctx, conv, client.HistoryQuery{Since: day, Until: day.AddDate(0, 0, 1), Limit: 500})
	if err != nil {
		return err
	}
	for _, m := range page.Messages {
		printMessage(a.userID, m.Message)
	}
	if page.HasMore {
		dim.Println("  (more messages on this day)")
	}
	return nil
}

func printMessage(userID string, m chat.Message) {
	who := peer
	if m.SenderID == userID {
		who = self
	}
	ts := dim.Sprintf("%s #%d", m.SentAt.Local().Format("15:04"), m.ID)
	body := m.Content
	switch {
	case m.Deleted:
		body = dim.Sprint("(deleted)")
	case m.Type == chat.MessageTypeFile:
		body = dim.Sprintf("[file %s] ", m.FileID) + body
	}
	fmt.Printf("\r%s %s: %s\n", ts, who.Sprint(m.SenderID), body)
}

func label(userID string, conv chat.Conversation) string {
	if conv.Kind == chat.KindGroup {
		return "#" + conv.GroupID
	}
	return "@" + conv.Peer(userID)
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /open <user>           Chat privately with a user")
	fmt.Println("  /group <id>            Open a group")
	fmt.Println("  /newgroup <name>       Create a group and open it")
	fmt.Println("  /members               List the open group's members")
	fmt.Println("  /invite <user>         Add a user to the open group")
	fmt.Println("  /kick <user>           Remove a user from the open group")
	fmt.Println("  /history [YYYY-MM-DD]  Show the timeline, or one day from the server")
	fmt.Println("  /delete <id>           Delete a message you sent")
	fmt.Println("  /reconnect             Reconnect after giving up")
	fmt.Println("  /quit                  Exit")
	fmt.Println("Anything else is sent to the open conversation.")
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/nexuschat/nexus/internal/api"
	"github.com/nexuschat/nexus/internal/chat"
	"github.com/nexuschat/nexus/internal/client"
	"github.com/nexuschat/nexus/internal/config"
	"github.com/nexuschat/nexus/internal/lock"
	"github.com/nexuschat/nexus/internal/session"
	"google.golang.org/protobuf/encoding/protojson"
)

// EnvPassword supplies the login password without a prompt.
const EnvPassword = "NEXUS_PASSWORD"

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides NEXUS_SESSION and config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 15*time.Second, "deadline for unary calls")
	flag.Usage = printUsage
	flag.Parse()

	var defaultSession string
	if cfg, err := config.Load(session.ConfigPath()); err == nil {
		defaultSession = cfg.DefaultSession
	}
	sessionName := session.Resolve(*sessionFlag, defaultSession)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// These read or write the base directory and need no daemon.
	switch args[0] {
	case "sessions":
		cmdSessions(*jsonFlag)
		return
	case "init":
		cmdInit(args[1:])
		return
	}

	c, err := client.Dial(session.SocketPath(sessionName))
	if err != nil {
		fail(fmt.Errorf("cannot connect to daemon for session %q: %w", sessionName, err))
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	out := printer{json: *jsonFlag}
	switch args[0] {
	case "status":
		cmdStatus(ctx, c, out)
	case "login":
		cmdLogin(ctx, c, args[1:], out)
	case "logout":
		resp, err := c.Logout(ctx)
		check(err)
		out.print(resp, func() { fmt.Println(resp.Message) })
	case "sync":
		cmdSync(ctx, c, args[1:], out)
	case "chats":
		cmdChats(ctx, c, args[1:], out)
	case "contacts":
		resp, err := c.ListContacts(ctx)
		check(err)
		out.print(resp, func() {
			for _, ct := range resp.Contacts {
				fmt.Printf("%-24s %-20s %s\n", ct.ID, ct.Username, ct.Name)
			}
		})
	case "open":
		cmdOpen(ctx, c, args[1:], out)
	case "close":
		check(c.CloseChat(ctx))
	case "messages":
		resp, err := c.ListMessages(ctx)
		check(err)
		out.print(resp, func() {
			fmt.Printf("%s (%s)\n", describeTarget(resp.Target), resp.Phase)
			printMessages(resp.Messages)
		})
	case "send":
		if len(args) < 2 {
			usageError("nexusctl send <text>")
		}
		resp, err := c.SendText(ctx, strings.Join(args[1:], " "))
		check(err)
		out.print(resp, func() { printSent(resp) })
	case "retry":
		if len(args) != 2 {
			usageError("nexusctl retry <client-msg-id>")
		}
		resp, err := c.RetryMessage(ctx, args[1])
		check(err)
		out.print(resp, func() { printSent(resp) })
	case "health":
		cmdHealth(ctx, c, args[1:], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: nexusctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show session status")
	fmt.Fprintln(os.Stderr, "  login <email>               Log in (password from NEXUS_PASSWORD or stdin)")
	fmt.Fprintln(os.Stderr, "  logout                      Log out and clear the stored login")
	fmt.Fprintln(os.Stderr, "  sync status                 Show connection and last resync")
	fmt.Fprintln(os.Stderr, "  sync now                    Refetch the directory and open conversation")
	fmt.Fprintln(os.Stderr, "  chats [limit]               List conversations")
	fmt.Fprintln(os.Stderr, "  contacts                    List contacts")
	fmt.Fprintln(os.Stderr, "  open <conv-id>              Open a conversation")
	fmt.Fprintln(os.Stderr, "  open --peer <user-id>       Open a private conversation with a user")
	fmt.Fprintln(os.Stderr, "  open --group <group-id>     Open a group conversation")
	fmt.Fprintln(os.Stderr, "  close                       Close the open conversation")
	fmt.Fprintln(os.Stderr, "  messages                    Show the open conversation")
	fmt.Fprintln(os.Stderr, "  send <text>                 Send to the open conversation")
	fmt.Fprintln(os.Stderr, "  retry <client-msg-id>       Resend a failed message")
	fmt.Fprintln(os.Stderr, "  watch [chats|messages|sync] Stream events until interrupted")
	fmt.Fprintln(os.Stderr, "  health [service]            Run the gRPC health check")
	fmt.Fprintln(os.Stderr, "  sessions                    List known sessions")
	fmt.Fprintln(os.Stderr, "  init [api-url]              Write a default config.toml")
}

type printer struct {
	json bool
}

func (p printer) print(v any, text func()) {
	if p.json {
		outputJSON(v)
		return
	}
	text()
}

func cmdStatus(ctx context.Context, c *client.Client, out printer) {
	resp, err := c.SessionStatus(ctx)
	check(err)
	out.print(resp, func() {
		fmt.Printf("Session: %s\n", resp.Session)
		fmt.Printf("Status:  %s", resp.Status)
		if resp.StatusMessage != "" {
			fmt.Printf(" (%s)", resp.StatusMessage)
		}
		fmt.Println()
		fmt.Printf("Uptime:  %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
		if resp.User.ID != "" {
			fmt.Printf("User:    %s <%s>\n", resp.User.Name, resp.User.Email)
			fmt.Printf("Chats:   %d (%d unread)\n", resp.Conversations, resp.TotalUnread)
		}
		if resp.FailedSends > 0 {
			fmt.Printf("Failed:  %d unsent message(s)\n", resp.FailedSends)
		}
	})
}

func cmdLogin(ctx context.Context, c *client.Client, args []string, out printer) {
	if len(args) != 1 {
		usageError("nexusctl login <email>")
	}
	password := os.Getenv(EnvPassword)
	if password == "" {
		fmt.Fprint(os.Stderr, "password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fail(fmt.Errorf("read password: %w", err))
		}
		password = strings.TrimRight(line, "\r\n")
	}
	resp, err := c.Login(ctx, args[0], password)
	check(err)
	out.print(resp, func() { fmt.Printf("Logged in as %s (%s)\n", resp.User.Name, resp.User.ID) })
}

func cmdSync(ctx context.Context, c *client.Client, args []string, out printer) {
	if len(args) != 1 {
		usageError("nexusctl sync <status|now>")
	}
	switch args[0] {
	case "status":
		resp, err := c.SyncStatus(ctx)
		check(err)
		out.print(resp, func() {
			fmt.Printf("Status:      %s\n", resp.Status)
			fmt.Printf("Connected:   %v\n", resp.Connected)
			if !resp.LastResync.IsZero() {
				fmt.Printf("Last resync: %s\n", resp.LastResync.Local().Format(time.DateTime))
			}
		})
	case "now":
		resp, err := c.Resync(ctx)
		check(err)
		out.print(resp, func() { fmt.Printf("Success: %v - %s\n", resp.Success, resp.Status) })
	default:
		usageError("nexusctl sync <status|now>")
	}
}

func cmdChats(ctx context.Context, c *client.Client, args []string, out printer) {
	limit := 0
	if len(args) == 1 {
		if _, err := fmt.Sscanf(args[0], "%d", &limit); err != nil {
			usageError("nexusctl chats [limit]")
		}
	}
	st, err := c.SessionStatus(ctx)
	check(err)
	resp, err := c.ListChats(ctx, limit)
	check(err)
	out.print(resp, func() {
		for _, p := range resp.Conversations {
			t := chat.TargetFor(p, st.User.ID)
			unread := ""
			if p.UnreadCount > 0 {
				unread = fmt.Sprintf("(%d)", p.UnreadCount)
			}
			last := ""
			if p.LastMessage != nil {
				last = p.LastMessage.Content
			}
			fmt.Printf("%-24s %-20s %-5s %s\n", p.ID, t.Title, unread, truncate(last, 48))
		}
		fmt.Printf("%d unread\n", resp.TotalUnread)
	})
}

func cmdOpen(ctx context.Context, c *client.Client, args []string, out printer) {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	peer := fs.String("peer", "", "user id of a private conversation")
	group := fs.String("group", "", "group id")
	title := fs.String("title", "", "display title")
	_ = fs.Parse(args)

	req := &api.OpenChatRequest{PeerID: *peer, GroupID: *group, Title: *title}
	if fs.NArg() > 0 {
		req.ConversationID = fs.Arg(0)
	}
	resp, err := c.OpenChat(ctx, req)
	check(err)
	out.print(resp, func() {
		fmt.Println(describeTarget(resp.Target))
		printMessages(resp.Messages)
	})
}

func cmdWatch(c *client.Client, args []string, jsonOut bool) {
	service, method := api.ChatServiceName, "WatchChatUpdates"
	if len(args) > 0 {
		switch args[0] {
		case "chats":
		case "messages":
			service, method = api.MessageServiceName, "WatchMessageEvents"
		case "sync":
			service, method = api.SyncServiceName, "WatchSyncEvents"
		default:
			usageError("nexusctl watch [chats|messages|sync]")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := c.Watch(ctx, service, method, nil, func(evt *api.Event) error {
		if jsonOut {
			outputJSON(evt)
			return nil
		}
		fmt.Printf("%s %-24s %s\n", evt.OccurredAt.Local().Format(time.TimeOnly), evt.Kind, evt.Payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fail(err)
	}
}

func cmdHealth(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	service := ""
	if len(args) > 0 {
		service = args[0]
	}
	resp, err := c.Health(ctx, service)
	check(err)
	if jsonOut {
		data, err := protojson.MarshalOptions{Multiline: true, EmitUnpopulated: true}.Marshal(resp)
		check(err)
		fmt.Println(string(data))
		return
	}
	fmt.Println(resp.GetStatus().String())
}

type sessionInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Running bool      `json:"running"`
	PID     int       `json:"pid,omitempty"`
	Since   time.Time `json:"since,omitzero"`
}

func cmdSessions(jsonOut bool) {
	root := filepath.Join(session.BaseDir(), "sessions")
	entries, err := os.ReadDir(root)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fail(err)
	}
	var sessions []sessionInfo
	for _, e := range entries {
		if !e.IsDir() || session.ValidateName(e.Name()) != nil {
			continue
		}
		info := sessionInfo{Name: e.Name(), Path: session.Dir(e.Name())}
		if h, err := lock.Read(info.Path); err == nil && h.PID != 0 {
			info.Running, info.PID, info.Since = true, h.PID, h.Since
		}
		sessions = append(sessions, info)
	}
	if jsonOut {
		outputJSON(sessions)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range sessions {
		running := "stopped"
		if s.Running {
			running = fmt.Sprintf("running, pid %d", s.PID)
		}
		fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, running)
	}
}

func cmdInit(args []string) {
	path := session.ConfigPath()
	if _, err := os.Stat(path); err == nil {
		fail(fmt.Errorf("%s already exists", path))
	}
	cfg := config.Default()
	cfg.DefaultSession = session.DefaultSessionName
	if len(args) > 0 {
		cfg.Server.APIURL = args[0]
	}
	check(cfg.Validate())
	check(config.Save(path, cfg))
	fmt.Printf("Wrote %s\n", path)
}

func describeTarget(t chat.Target) string {
	switch {
	case t.IsZero():
		return "no conversation open"
	case t.ConversationID == "":
		return fmt.Sprintf("%s (new conversation)", t.Title)
	default:
		return fmt.Sprintf("%s [%s]", t.Title, t.ConversationID)
	}
}

func printMessages(msgs []chat.Message) {
	for _, m := range msgs {
		mark := ""
		switch m.DeliveryState {
		case chat.Pending:
			mark = " …"
		case chat.Failed:
			mark = " ! failed (" + m.ID + ")"
		}
		fmt.Printf("%s %-12s %s%s\n", m.CreatedAt.Local().Format("01-02 15:04"), m.SenderID, m.Content, mark)
	}
}

func printSent(resp *api.SendTextResponse) {
	if resp.Error != "" {
		fmt.Printf("Not sent: %s\n", resp.Error)
		fmt.Printf("Retry with: nexusctl retry %s\n", resp.Message.ID)
		return
	}
	fmt.Printf("Sent %s\n", resp.Message.ID)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func usageError(usage string) {
	fmt.Fprintln(os.Stderr, "usage: "+usage)
	os.Exit(1)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/dmsync/internal/api"
	"github.com/matheus3301/dmsync/internal/config"
	"github.com/matheus3301/dmsync/internal/identity"
	"github.com/matheus3301/dmsync/internal/session"
	"github.com/matheus3301/dmsync/internal/syncerr"
	"github.com/matheus3301/dmsync/internal/timeline"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// token works without a daemon.
	if args[0] == "token" {
		cmdToken(args[1:])
		return
	}

	socketPath := session.SocketPath(sessionName)
	c, err := api.Dial(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cmdWatch(ctx, c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := output{json: *jsonFlag}
	switch args[0] {
	case "status":
		cmdStatus(ctx, c, out)
	case "login":
		need(args, 2, "dmctl login <token>")
		id, err := c.Login(ctx, args[1])
		check(err)
		fmt.Printf("Signed in as %s\n", id)
	case "logout":
		check(c.Logout(ctx))
		fmt.Println("Signed out")
	case "ls":
		convs, err := c.ListConversations(ctx)
		check(err)
		out.conversations(convs)
	case "refresh":
		convs, err := c.Refresh(ctx)
		check(err)
		out.conversations(convs)
	case "new":
		cmdNew(ctx, c, args[1:])
	case "open":
		need(args, 2, "dmctl open <conversation>")
		msgs, err := c.OpenConversation(ctx, args[1])
		check(err)
		out.messages(msgs)
	case "close":
		check(c.CloseConversation(ctx))
	case "messages":
		need(args, 2, "dmctl messages <conversation>")
		msgs, err := c.ListMessages(ctx, args[1])
		check(err)
		out.messages(msgs)
	case "search":
		need(args, 3, "dmctl search <conversation> <query>")
		msgs, err := c.Search(ctx, args[1], strings.Join(args[2:], " "))
		check(err)
		out.messages(msgs)
	case "send":
		cmdSend(ctx, c, args[1:], out)
	case "retry":
		need(args, 3, "dmctl retry <conversation> <provisional-id>")
		check(c.Retry(ctx, args[1], args[2]))
		fmt.Println("Retry queued")
	case "read":
		need(args, 2, "dmctl read <conversation> [message-id]")
		through := ""
		if len(args) > 2 {
			through = args[2]
		}
		res, err := c.MarkRead(ctx, args[1], through)
		check(err)
		if out.json {
			outputJSON(res)
			return
		}
		fmt.Printf("Marked %d message(s) read\n", res.Marked)
	case "typing":
		need(args, 2, "dmctl typing <conversation> [on|off]")
		var reply *api.TypingReply
		var err error
		if len(args) > 2 {
			reply, err = c.SetTyping(ctx, args[1], args[2] == "on")
		} else {
			reply, err = c.Typing(ctx, args[1])
		}
		check(err)
		if out.json {
			outputJSON(reply)
			return
		}
		if reply.Text == "" {
			fmt.Println("Nobody is typing")
			return
		}
		fmt.Println(reply.Text)
	case "members":
		need(args, 2, "dmctl members <conversation>")
		members, err := c.Members(ctx, args[1])
		check(err)
		if out.json {
			outputJSON(members)
			return
		}
		for _, m := range members {
			fmt.Printf("%-24s %s\n", m.ID, m.DisplayName)
		}
	case "add":
		need(args, 3, "dmctl add <conversation> <user>")
		check(c.AddParticipant(ctx, args[1], args[2]))
	case "remove":
		need(args, 3, "dmctl remove <conversation> <user>")
		check(c.RemoveParticipant(ctx, args[1], args[2]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: dmctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                         Show session status")
	fmt.Fprintln(os.Stderr, "  token <user> [--ttl 24h]       Issue a session token from the config secret")
	fmt.Fprintln(os.Stderr, "  login <token>                  Sign the daemon in")
	fmt.Fprintln(os.Stderr, "  logout                         Sign the daemon out")
	fmt.Fprintln(os.Stderr, "  ls                             List conversations")
	fmt.Fprintln(os.Stderr, "  refresh                        Refresh and list conversations")
	fmt.Fprintln(os.Stderr, "  new [--name n] <user>...       Create a conversation")
	fmt.Fprintln(os.Stderr, "  open <conv>                    Open a conversation and mark it read")
	fmt.Fprintln(os.Stderr, "  close                          Close the open conversation")
	fmt.Fprintln(os.Stderr, "  messages <conv>                Show loaded messages")
	fmt.Fprintln(os.Stderr, "  search <conv> <query>          Search loaded messages")
	fmt.Fprintln(os.Stderr, "  send [--media f] <conv> <text> Send a message")
	fmt.Fprintln(os.Stderr, "  retry <conv> <provisional-id>  Retry a failed send")
	fmt.Fprintln(os.Stderr, "  read <conv> [message-id]       Mark read")
	fmt.Fprintln(os.Stderr, "  typing <conv> [on|off]         Show or set typing")
	fmt.Fprintln(os.Stderr, "  members <conv>                 List members")
	fmt.Fprintln(os.Stderr, "  add <conv> <user>              Add a group member")
	fmt.Fprintln(os.Stderr, "  remove <conv> <user>           Remove a group member")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                 Stream daemon events")
}

func cmdStatus(ctx context.Context, c *api.Client, out output) {
	resp, err := c.Status(ctx)
	check(err)
	if out.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Session: %s\n", resp.Session)
	fmt.Printf("Status:  %s\n", resp.State)
	if resp.UserID != "" {
		fmt.Printf("User:    %s\n", resp.UserID)
	}
	fmt.Printf("Uptime:  %dms\n", resp.UptimeMs)
	fmt.Printf("Store:   %d conversation(s), %d message(s)\n", resp.Conversations, resp.Messages)
}

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: dmctl token [--ttl 24h] <user>")
		os.Exit(1)
	}
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	check(err)
	if cfg.TokenSecret == "" {
		fail(fmt.Errorf("token_secret is not set in %s", session.ConfigPath()))
	}
	token, err := identity.IssueToken(fs.Arg(0), cfg.TokenSecret, *ttl)
	check(err)
	fmt.Println(token)
}

func cmdNew(ctx context.Context, c *api.Client, args []string) {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	name := fs.String("name", "", "group name")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: dmctl new [--name <name>] <user>...")
		os.Exit(1)
	}
	id, err := c.CreateConversation(ctx, fs.Args(), *name)
	check(err)
	fmt.Println(id)
}

func cmdSend(ctx context.Context, c *api.Client, args []string, out output) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	media := fs.String("media", "", "file to attach")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: dmctl send [--media <file>] <conversation> <text>")
		os.Exit(1)
	}
	req := api.SendRequest{ConversationID: fs.Arg(0), Content: strings.Join(fs.Args()[1:], " ")}
	if *media != "" {
		data, err := os.ReadFile(*media)
		check(err)
		req.Media = data
		req.ContentType = http.DetectContentType(data)
	}
	msg, err := c.SendMessage(ctx, req)
	check(err)
	if out.json {
		outputJSON(msg)
		return
	}
	fmt.Printf("Queued %s\n", msg.ID)
}

func cmdWatch(ctx context.Context, c *api.Client, args []string, jsonOut bool) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	err := c.WatchEvents(ctx, prefix, func(evt api.Event) error {
		if jsonOut {
			outputJSON(evt)
			return nil
		}
		ts := time.UnixMilli(evt.TimestampMs).Format("15:04:05")
		switch {
		case evt.Message != nil:
			fmt.Printf("%s %s %s: %s\n", ts, evt.Kind, evt.Message.SenderID, evt.Message.Content)
		case evt.Send != nil && evt.Send.Err != "":
			fmt.Printf("%s %s %s: %s\n", ts, evt.Kind, evt.Send.ProvisionalID, evt.Send.Err)
		case evt.Send != nil:
			fmt.Printf("%s %s %s -> %s\n", ts, evt.Kind, evt.Send.ProvisionalID, evt.Send.MessageID)
		case evt.Typing != nil:
			fmt.Printf("%s %s %s typing=%v\n", ts, evt.Kind, evt.Typing.UserID, evt.Typing.Typing)
		case evt.Status != nil:
			fmt.Printf("%s %s %s -> %s\n", ts, evt.Kind, evt.Status.From, evt.Status.To)
		default:
			fmt.Printf("%s %s\n", ts, evt.Kind)
		}
		return nil
	})
	check(err)
}

type output struct {
	json bool
}

func (o output) conversations(convs []api.ConversationView) {
	if o.json {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range convs {
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Content
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf("(%d)", c.UnreadCount)
		}
		fmt.Printf("%-20s %-24s %5s %s\n", c.ID, c.Name, unread, last)
	}
}

func (o output) messages(msgs []api.MessageView) {
	if o.json {
		outputJSON(msgs)
		return
	}
	entries := make([]timeline.Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, m.Entry())
	}
	for _, day := range timeline.GroupByDay(entries, time.Local) {
		fmt.Printf("-- %s --\n", day.Date.Format("Mon 2 Jan 2006"))
		for _, e := range day.Entries {
			mark := ""
			switch e.State {
			case timeline.Provisional:
				mark = " [sending]"
			case timeline.Failed:
				mark = " [failed: " + e.Err + "]"
			}
			body := e.Message.Content
			if e.Message.MediaURL != "" {
				body = strings.TrimSpace(body + " <" + e.Message.MediaURL + ">")
			}
			fmt.Printf("%s %s: %s%s\n", time.UnixMilli(e.Message.CreatedAt).Format("15:04"), e.Sender.Name(), body, mark)
		}
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "usage: "+usage)
		os.Exit(1)
	}
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if syncerr.IsUnauthenticated(err) {
		fmt.Fprintln(os.Stderr, "hint: sign in with `dmctl login $(dmctl token <user>)`")
	}
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/gochat/internal/api"
	"github.com/matheus3301/gochat/internal/ctlclient"
	"github.com/matheus3301/gochat/internal/lock"
	"github.com/matheus3301/gochat/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "profiles" {
		cmdProfiles(*jsonFlag)
		return
	}

	c := ctlclient.New(profile.SocketPath(name))
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := printer{json: *jsonFlag}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "status":
		st, err := c.Status(ctx)
		check(err, name)
		out.status(st)
	case "connect":
		fs := flag.NewFlagSet("connect", flag.ExitOnError)
		user := fs.String("user", "", "username")
		token := fs.String("token", "", "access token")
		password := fs.Bool("password", false, "read a password from $GOCHAT_PASSWORD and log in through the REST API")
		_ = fs.Parse(rest)
		req := api.ConnectRequest{Username: *user, Token: *token}
		if *password {
			req.Password = os.Getenv("GOCHAT_PASSWORD")
			if req.Password == "" {
				fail(fmt.Errorf("GOCHAT_PASSWORD is empty"))
			}
		}
		st, err := c.Connect(ctx, req)
		check(err, name)
		out.status(st)
	case "disconnect":
		st, err := c.Disconnect(ctx)
		check(err, name)
		out.status(st)
	case "presence":
		p, err := c.Presence(ctx)
		check(err, name)
		out.presence(p)
	case "conversations":
		fs := flag.NewFlagSet("conversations", flag.ExitOnError)
		archived := fs.Bool("archive", false, "read the local archive")
		_ = fs.Parse(rest)
		list, err := c.Conversations(ctx, *archived)
		check(err, name)
		out.conversations(list)
	case "messages":
		fs := flag.NewFlagSet("messages", flag.ExitOnError)
		archived := fs.Bool("archive", false, "read the local archive")
		limit := fs.Int("limit", 50, "archive page size")
		_ = fs.Parse(rest)
		key := need(fs.Args(), 1, "messages [--archive] [--limit n] <key>")[0]
		list, err := c.Messages(ctx, key, *archived, *limit)
		check(err, name)
		out.messages(list)
	case "send":
		a := need(rest, 2, "send <key> <text>")
		m, err := c.Send(ctx, a[0], strings.Join(a[1:], " "))
		check(err, name)
		out.message(m)
	case "file":
		a := need(rest, 2, "file <key> <path>")
		path, err := filepath.Abs(a[1])
		if err != nil {
			fail(err)
		}
		m, err := c.SendFile(ctx, a[0], path)
		check(err, name)
		out.message(m)
	case "resend":
		a := need(rest, 1, "resend <localID>")
		m, err := c.Resend(ctx, a[0])
		check(err, name)
		out.message(m)
	case "typing":
		a := need(rest, 1, "typing <key>")
		check(c.Typing(ctx, a[0]), name)
	case "history":
		a := need(rest, 1, "history <key> [limit]")
		limit := 50
		if len(a) > 1 {
			n, err := strconv.Atoi(a[1])
			if err != nil {
				fail(fmt.Errorf("limit: %w", err))
			}
			limit = n
		}
		check(c.History(ctx, a[0], limit), name)
		if !out.json {
			fmt.Println("History requested.")
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: gochatctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show connection status")
	fmt.Fprintln(os.Stderr, "  connect [--user u] [--token t] [--password]")
	fmt.Fprintln(os.Stderr, "                              Log in (no flags: reconnect or use config)")
	fmt.Fprintln(os.Stderr, "  disconnect                  Close the connection")
	fmt.Fprintln(os.Stderr, "  presence                    Show online and typing users")
	fmt.Fprintln(os.Stderr, "  conversations [--archive]   List conversations")
	fmt.Fprintln(os.Stderr, "  messages [--archive] <key>  Show a conversation")
	fmt.Fprintln(os.Stderr, "  send <key> <text>           Send a message")
	fmt.Fprintln(os.Stderr, "  file <key> <path>           Upload and share a file")
	fmt.Fprintln(os.Stderr, "  resend <localID>            Retry a failed message")
	fmt.Fprintln(os.Stderr, "  typing <key>                Signal typing")
	fmt.Fprintln(os.Stderr, "  history <key> [limit]       Ask the server for history")
	fmt.Fprintln(os.Stderr, "  profiles                    List known profiles")
}

func need(args []string, n int, usage string) []string {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: gochatctl %s\n", usage)
		os.Exit(1)
	}
	return args
}

func check(err error, name string) {
	if err == nil {
		return
	}
	var reply *ctlclient.Error
	if !errors.As(err, &reply) {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	fail(err)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

type profileInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
}

func cmdProfiles(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(profile.BaseDir(), "profiles"))
	if err != nil && !os.IsNotExist(err) {
		fail(err)
	}
	var list []profileInfo
	for _, e := range entries {
		if !e.IsDir() || profile.ValidateName(e.Name()) != nil {
			continue
		}
		pid, running := lock.Holder(profile.Dir(e.Name()))
		list = append(list, profileInfo{Name: e.Name(), Path: profile.Dir(e.Name()), Running: running, PID: pid})
	}
	if jsonOut {
		outputJSON(list)
		return
	}
	if len(list) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, p := range list {
		running := "stopped"
		if p.Running {
			running = fmt.Sprintf("running, pid %d", p.PID)
		}
		fmt.Printf("%-20s %s (%s)\n", p.Name, p.Path, running)
	}
}

type printer struct {
	json bool
}

func (p printer) status(st *api.StatusResponse) {
	if p.json {
		outputJSON(st)
		return
	}
	fmt.Printf("Profile:  %s\n", st.Profile)
	fmt.Printf("State:    %s\n", st.State)
	if st.Identity != "" {
		fmt.Printf("Identity: %s\n", st.Identity)
	}
	if st.Attempt > 0 {
		fmt.Printf("Attempt:  %d\n", st.Attempt)
	}
	if st.LastError != "" {
		fmt.Printf("Error:    %s\n", st.LastError)
	}
	if st.ArchivedMessages != nil {
		fmt.Printf("Archived: %d messages\n", *st.ArchivedMessages)
	}
}

func (p printer) presence(pr *api.PresenceResponse) {
	if p.json {
		outputJSON(pr)
		return
	}
	fmt.Printf("Online: %s\n", strings.Join(pr.Online, ", "))
	if len(pr.Typing) > 0 {
		fmt.Printf("Typing: %s\n", strings.Join(pr.Typing, ", "))
	}
}

func (p printer) conversations(list []api.Conversation) {
	if p.json {
		outputJSON(list)
		return
	}
	if len(list) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range list {
		fmt.Printf("%-20s %s  %s\n", c.Key, c.LastMessageAt.Local().Format(time.DateTime), c.LastPreview)
	}
}

func (p printer) messages(list []api.Message) {
	if p.json {
		outputJSON(list)
		return
	}
	for _, m := range list {
		p.line(m)
	}
}

func (p printer) message(m *api.Message) {
	if p.json {
		outputJSON(m)
		return
	}
	p.line(*m)
}

func (printer) line(m api.Message) {
	body := m.Content
	for _, a := range m.Attachments {
		body = strings.TrimSpace(body + " [file] " + a.FileName)
	}
	mark := ""
	if m.State != "sent" {
		mark = " (" + m.State + ")"
	}
	fmt.Printf("%s %-12s %s%s  #%s\n", m.SentAt.Local().Format(time.TimeOnly), m.Sender, body, mark, m.LocalID)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

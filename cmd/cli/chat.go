package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kcaldas/tokenopt/internal/di"
	"github.com/kcaldas/tokenopt/pkg/events"
	"github.com/kcaldas/tokenopt/pkg/failure"
	"github.com/kcaldas/tokenopt/pkg/history"
	"github.com/kcaldas/tokenopt/pkg/logging"
	"github.com/kcaldas/tokenopt/pkg/orchestrator"
	"github.com/kcaldas/tokenopt/pkg/pipeline"
	"github.com/kcaldas/tokenopt/pkg/provider"
	"github.com/kcaldas/tokenopt/pkg/request"
)

const chatHelp = `Commands:
  /help                    show this help
  /status                  show the session's provider state
  /stats                   show token, cost and cache statistics
  /fallback                switch to the fallback provider
  /reset                   return to the primary provider
  /system <file>           use a file as the system prompt
  /context add <file>...   add context files
  /context rm <n|name>     remove a context item
  /context list            list context items
  /context clear           remove all context items
  /history [n]             show the last n lines you sent
  /quit                    exit`

// NewChatCommand creates the chat command
func NewChatCommand(apps AppProvider) *cobra.Command {
	var metricsAddr string
	var stream, noHistory bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session that hands over between providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := apps(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			if err := app.Config.Validate(); err != nil {
				return err
			}

			if metricsAddr != "" {
				stop := serveMetrics(metricsAddr, app)
				defer stop()
				fmt.Fprintf(cmd.OutOrStdout(), "Serving metrics on http://%s/metrics\n", metricsAddr)
			}

			app.Bus.Subscribe(events.TopicTransition, func(event any) {
				if t, ok := event.(events.TransitionEvent); ok {
					logging.Info("provider handoff", "session", t.SessionID, "from", t.From, "to", t.To, "reason", t.Reason)
				}
			})

			warmUp(app.Chain)
			c := newChat(app, cmd.OutOrStdout(), stream)
			if !noHistory {
				if c.history, err = loadPromptHistory(); err != nil {
					logging.Warn("chat history unavailable", "error", err)
					c.history = history.NewPrompts("", 0)
				}
			}
			return c.run(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. localhost:9464")
	cmd.Flags().BoolVar(&stream, "stream", true, "print replies as they arrive when not rendering markdown")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not read or write ~/.config/tokenopt/chat_history")
	return cmd
}

var chainRoles = []provider.Role{provider.RolePrimary, provider.RoleFallback, provider.RoleLocal}

// warmUp builds the primary client before the first prompt so a broken key
// or endpoint shows up at startup rather than mid-turn.
func warmUp(chain *provider.Chain) {
	if !chain.Configured(provider.RolePrimary) {
		return
	}
	if err := chain.WarmUp(provider.RolePrimary); err != nil {
		logging.Warn("primary provider could not be built", "error", err)
	}
}

func loadPromptHistory() (*history.Prompts, error) {
	path, err := history.DefaultPath()
	if err != nil {
		return nil, err
	}
	h := history.NewPrompts(path, 0)
	if err := h.Load(); err != nil {
		return nil, err
	}
	return h, nil
}

func serveMetrics(addr string, app *di.App) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", app.Metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// chat is one interactive session. Context items and the system prompt stay
// attached to every turn until removed.
type chat struct {
	app     *di.App
	session *orchestrator.Session
	out     io.Writer
	replies *replyWriter
	history *history.Prompts
	stream  bool

	system string
	items  []request.ContextItem
}

func newChat(app *di.App, out io.Writer, stream bool) *chat {
	return &chat{
		app:     app,
		session: app.Orchestrator.NewSession(),
		out:     out,
		replies: newReplyWriter(out),
		history: history.NewPrompts("", 0),
		stream:  stream,
	}
}

func (c *chat) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(c.out, "tokenopt chat. Type /help for commands.")
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := c.history.Add(line); err != nil {
			logging.Debug("failed to save chat history", "error", err)
		}
		if strings.HasPrefix(line, "/") {
			quit, err := c.command(ctx, line)
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := c.send(ctx, line); err != nil {
			if errors.Is(err, failure.ErrCancelled) && ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(c.out, "Error: %v\n", err)
			if errors.Is(err, failure.ErrProvidersUnavailable) || errors.Is(err, failure.ErrRetryBoundExceeded) {
				fmt.Fprintln(c.out, "Use /reset to try the primary provider again.")
			}
		}
	}
}

func (c *chat) send(ctx context.Context, task string) error {
	req := request.Request{Task: task, System: c.system, Items: c.items}
	opts := pipeline.Options{}
	streamed := c.stream && !c.replies.Rendering()
	if streamed {
		opts.OnChunk = func(chunk string) { fmt.Fprint(c.out, chunk) }
	}

	outcome, err := c.app.Pipeline.Send(ctx, c.session, req, opts)
	if err != nil {
		var execErr *orchestrator.ExecuteError
		if errors.As(err, &execErr) {
			printPath(c.out, execErr.Path)
		}
		return err
	}
	if streamed {
		fmt.Fprintln(c.out)
	} else {
		c.replies.Print(outcome.Result.Response.Content)
	}
	printPath(c.out, outcome.Result.Path)
	return nil
}

func (c *chat) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(c.out, chatHelp)
	case "/status":
		c.printStatus()
	case "/stats":
		fmt.Fprintln(c.out, c.app.Metrics.Snapshot().String())
		if c.app.Tracker != nil {
			fmt.Fprintln(c.out, c.app.Tracker.Metrics().String())
		}
	case "/fallback":
		if err := c.app.Orchestrator.ForceFallback(ctx, c.session); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, "Switched to the fallback provider.")
	case "/reset":
		if err := c.app.Orchestrator.Reset(ctx, c.session); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, "Back on the primary provider.")
	case "/system":
		if len(fields) != 2 {
			return false, errors.New("usage: /system <file>")
		}
		item, err := loadItem(fields[1])
		if err != nil {
			return false, err
		}
		c.system = item.Content
		fmt.Fprintf(c.out, "System prompt set from %s.\n", fields[1])
	case "/context":
		return false, c.contextCommand(fields[1:])
	case "/history":
		n := 10
		if len(fields) == 2 {
			var err error
			if n, err = strconv.Atoi(fields[1]); err != nil || n <= 0 {
				return false, errors.New("usage: /history [n]")
			}
		}
		for _, line := range c.history.Recent(n) {
			fmt.Fprintf(c.out, "  %s\n", line)
		}
	default:
		return false, fmt.Errorf("unknown command %s, type /help", fields[0])
	}
	return false, nil
}

func (c *chat) contextCommand(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: /context add|rm|list|clear")
	}
	switch args[0] {
	case "add":
		if len(args) < 2 {
			return errors.New("usage: /context add <file>...")
		}
		for _, path := range args[1:] {
			item, err := loadItem(path)
			if err != nil {
				return err
			}
			c.items = append(c.items, item)
			fmt.Fprintf(c.out, "Added context: %s\n", path)
		}
	case "rm":
		if len(args) != 2 {
			return errors.New("usage: /context rm <n|name>")
		}
		idx := c.findItem(args[1])
		if idx < 0 {
			return fmt.Errorf("no context item %q", args[1])
		}
		removed := c.items[idx].Name
		c.items = append(c.items[:idx:idx], c.items[idx+1:]...)
		fmt.Fprintf(c.out, "Removed context: %s\n", removed)
	case "list":
		if len(c.items) == 0 {
			fmt.Fprintln(c.out, "No context items.")
			return nil
		}
		for i, item := range c.items {
			fmt.Fprintf(c.out, "  [%d] %s (%s, %d tokens)\n", i, item.Name, item.Kind,
				c.app.Counter.Count(item.Content, c.app.Pipeline.OptimizeConfig().Model))
		}
	case "clear":
		c.items = nil
		fmt.Fprintln(c.out, "Context cleared.")
	default:
		return fmt.Errorf("unknown context command %q", args[0])
	}
	return nil
}

func (c *chat) findItem(ref string) int {
	if idx, err := strconv.Atoi(ref); err == nil {
		if idx >= 0 && idx < len(c.items) {
			return idx
		}
		return -1
	}
	for i, item := range c.items {
		if item.Name == ref {
			return i
		}
	}
	return -1
}

func (c *chat) printStatus() {
	st := c.app.Orchestrator.Status(c.session)
	fmt.Fprintf(c.out, "Session:  %s\n", st.SessionID)
	fmt.Fprintf(c.out, "State:    %s\n", st.State)
	if st.Provider != "" {
		fmt.Fprintf(c.out, "Provider: %s\n", st.Provider)
	}
	var roles []string
	for _, role := range chainRoles {
		if c.app.Chain.Configured(role) {
			roles = append(roles, string(role))
		}
	}
	fmt.Fprintf(c.out, "Roles:    %s\n", strings.Join(roles, ", "))
	fmt.Fprintf(c.out, "Messages: %d\n", st.Messages)
	fmt.Fprintf(c.out, "Retries:  %d\n", st.Retries)
	fmt.Fprintf(c.out, "Balance:  %s\n", st.Balance)
	if st.RateLimit != nil {
		fmt.Fprintf(c.out, "Rate limited by %s at %s: %s\n",
			st.RateLimit.Provider, st.RateLimit.At.Format(time.Kitchen), st.RateLimit.Message)
	}
	if st.Aborted {
		fmt.Fprintln(c.out, "Last call was cancelled.")
	}
}

// Command chat is the interactive terminal client. It streams responses
// incrementally, renders reasoning dimmed ahead of the answer, and keeps
// the whole conversation in a local SQLite transcript.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/tjfontaine/polyglot-chat/internal/config"
	"github.com/tjfontaine/polyglot-chat/internal/domain"
	"github.com/tjfontaine/polyglot-chat/internal/provider"
	"github.com/tjfontaine/polyglot-chat/internal/reasoning"
	"github.com/tjfontaine/polyglot-chat/internal/session"
	"github.com/tjfontaine/polyglot-chat/internal/telemetry"
	"github.com/tjfontaine/polyglot-chat/internal/tokens"
	"github.com/tjfontaine/polyglot-chat/internal/transcript"
)

var (
	configPath   = flag.String("config", "", "Path to config file (default chat.yaml)")
	providerName = flag.String("provider", "", "Provider name from config")
	modelName    = flag.String("model", "", "Model to use")
)

func main() {
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	shutdown, err := telemetry.InitTracer("polyglot-chat", logger)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if len(cfg.Providers) == 0 {
		return errors.New("no providers configured; add one to chat.yaml")
	}

	registry, err := provider.NewRegistry(cfg.Providers)
	if err != nil {
		return err
	}

	name := *providerName
	if name == "" {
		name = cfg.DefaultProvider
	}
	p, err := registry.Get(name)
	if err != nil {
		return err
	}

	model := *modelName
	if model == "" {
		model = registry.DefaultModel(name)
	}
	if model == "" {
		return fmt.Errorf("no model specified and provider %q has no default", name)
	}

	store, err := transcript.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	markers := reasoning.MarkerPair{
		Start: cfg.Reasoning.StartMarker,
		End:   cfg.Reasoning.EndMarker,
	}
	ctrl := session.New(p, store, tokens.NewRegistry(), model,
		session.WithMarkers(markers),
		session.WithParameters(domain.Parameters{
			Temperature: cfg.Sampling.Temperature,
			MaxTokens:   cfg.Sampling.MaxTokens,
		}),
		session.WithLogger(logger))

	repl := &repl{
		ctrl:      ctrl,
		store:     store,
		registry:  registry,
		markers:   markers,
		prompt:    color.New(color.FgGreen, color.Bold),
		assistant: color.New(color.FgCyan, color.Bold),
		reasoning: color.New(color.Faint),
		errc:      color.New(color.FgRed),
		info:      color.New(color.FgYellow),
	}

	// First Ctrl+C stops the in-flight turn; at the prompt it exits.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigs {
			if ctrl.Status() == session.StatusStreaming || ctrl.Status() == session.StatusSubmitted {
				ctrl.StopGeneration()
				continue
			}
			fmt.Println("\nBye.")
			os.Exit(0)
		}
	}()

	repl.banner(name, model)
	return repl.loop(context.Background())
}

type repl struct {
	ctrl     *session.Controller
	store    *transcript.Store
	registry *provider.Registry
	markers  reasoning.MarkerPair

	prompt    *color.Color
	assistant *color.Color
	reasoning *color.Color
	errc      *color.Color
	info      *color.Color

	// inReasoning tracks whether the last delta printed was reasoning,
	// so the transition to answer text gets a break.
	inReasoning bool
}

func (r *repl) banner(providerName, model string) {
	r.assistant.Println("polyglot-chat")
	fmt.Printf("Provider: %s  Model: %s\n", providerName, model)
	fmt.Println("Type a message, or /help for commands. Ctrl+C stops a response.")
	fmt.Println()
}

func (r *repl) loop(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		r.prompt.Print("You: ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return nil
			}
			continue
		}

		r.assistant.Print("Assistant: ")
		err := r.ctrl.SendMessage(ctx, line, r.render)
		r.finishTurn(err)
	}
}

// render prints one canonical event.
func (r *repl) render(ev domain.StreamEvent) {
	switch {
	case ev.ReasoningDelta != "":
		r.inReasoning = true
		r.reasoning.Print(ev.ReasoningDelta)
	case ev.TextDelta != "":
		if r.inReasoning {
			fmt.Print("\n\n")
			r.inReasoning = false
		}
		fmt.Print(ev.TextDelta)
	case ev.ToolCall != nil:
		r.info.Printf("\n[tool call: %s]\n", ev.ToolCall.Name)
	case ev.ToolResult != nil:
		r.info.Printf("[tool result: %s]\n", ev.ToolResult.ID)
	}
}

func (r *repl) finishTurn(err error) {
	r.inReasoning = false
	fmt.Println()
	if err != nil {
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) {
			r.errc.Printf("Error (%s): %s\n", apiErr.Type, apiErr.Message)
		} else {
			r.errc.Printf("Error: %v\n", err)
		}
	}

	msgs := r.ctrl.Messages()
	if len(msgs) > 0 && msgs[len(msgs)-1].Interrupted {
		r.info.Println("(stopped)")
	}
	fmt.Println()
}

// command handles slash commands; returns true to exit the loop.
func (r *repl) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Println(`Commands:
  /regen            regenerate the last answer
  /clear            start a fresh conversation
  /usage            show cumulative token usage
  /list             list stored conversations
  /export           print this conversation as Markdown
  /model <name>     switch model
  /provider <name>  switch provider
  /quit             exit`)

	case "/regen":
		r.assistant.Print("Assistant: ")
		err := r.ctrl.Regenerate(ctx, "", r.render)
		r.finishTurn(err)

	case "/clear":
		if err := r.ctrl.ClearMessages(); err != nil {
			r.errc.Printf("Error: %v\n", err)
			break
		}
		r.info.Println("Started a new conversation.")

	case "/usage":
		if last := r.ctrl.LastUsage(); last != nil {
			fmt.Printf("Last turn: %d in, %d out, %d ms\n",
				last.InputTokens, last.OutputTokens, last.LatencyMs)
		}
		u := r.ctrl.CumulativeUsage()
		note := ""
		if u.Estimated {
			note = " (estimated)"
		}
		fmt.Printf("Input: %d  Output: %d  Total: %d%s\n",
			u.InputTokens, u.OutputTokens, u.TotalTokens, note)

	case "/list":
		convs, err := r.store.ListConversations(ctx, 20, 0)
		if err != nil {
			r.errc.Printf("Error: %v\n", err)
			break
		}
		for _, c := range convs {
			fmt.Printf("%s  %-40s  %d msgs\n", c.UpdatedAt.Format("2006-01-02 15:04"), c.Title, c.MessageCount)
		}

	case "/export":
		md, err := r.store.ExportMarkdown(ctx, r.ctrl.ConversationID(), r.markers)
		if err != nil {
			r.errc.Printf("Error: %v\n", err)
			break
		}
		fmt.Println(md)

	case "/model":
		if len(fields) < 2 {
			r.errc.Println("Usage: /model <name>")
			break
		}
		r.ctrl.SetModel(fields[1])
		r.info.Printf("Model set to %s\n", fields[1])

	case "/provider":
		if len(fields) < 2 {
			r.errc.Println("Usage: /provider <name>")
			break
		}
		p, err := r.registry.Get(fields[1])
		if err != nil {
			r.errc.Printf("Error: %v\n", err)
			break
		}
		if err := r.ctrl.SetProvider(p); err != nil {
			r.errc.Printf("Error: %v\n", err)
			break
		}
		if model := r.registry.DefaultModel(fields[1]); model != "" {
			r.ctrl.SetModel(model)
		}
		r.info.Printf("Provider set to %s\n", fields[1])

	default:
		r.errc.Printf("Unknown command %s; try /help\n", fields[0])
	}
	return false
}

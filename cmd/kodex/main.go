package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kodex/internal/bootstrap"
	"kodex/internal/config"
	"kodex/internal/contextbuild"
	"kodex/internal/intent"
	"kodex/internal/llm"
	"kodex/internal/metrics"

	"github.com/chzyer/readline"
)

func main() {
	var (
		configPath string
		project    string
	)
	flag.StringVar(&configPath, "config", "", "Path to config JSON/JSONC")
	flag.StringVar(&project, "project", "", "Project root override")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	input, inputErr := newLineInput(filepath.Join(cfg.Storage.BaseDir, "repl.history"))
	if inputErr != nil {
		fmt.Fprintf(os.Stderr, "line editor unavailable, fallback to basic input: %v\n", inputErr)
	}
	defer input.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Write access is granted interactively, once per session.
	grantFn := func() bool {
		line, err := input.ReadLine("grant write access to the project? [y/N] ")
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}

	res, err := bootstrap.Build(ctx, cfg, project, grantFn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	defer res.Close()

	fmt.Printf("kodex started in %s (model %s)\n", res.ProjectRoot, res.Model)
	printCommands(os.Stdout)

	for {
		line, err := input.ReadLine("> ")
		if err != nil {
			switch {
			case errors.Is(err, readline.ErrInterrupt):
				fmt.Fprintln(os.Stdout)
				continue
			case errors.Is(err, io.EOF):
				fmt.Fprintln(os.Stderr, "\nexit")
				return
			default:
				fmt.Fprintf(os.Stderr, "read input failed: %v\n", err)
				return
			}
		}
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "/") {
			if handleCommand(ctx, text, res, os.Stdout) {
				return
			}
			continue
		}
		runTurn(ctx, res, text)
	}
}

// runTurn classifies the utterance and routes it: direct answer, one
// tool-capable turn, or a full orchestration run.
func runTurn(ctx context.Context, res *bootstrap.BuildResult, text string) {
	onChunk := func(chunk string) { fmt.Print(chunk) }

	cls := res.Intent.Classify(ctx, text)
	if e := res.Log.Debug(); e.Enabled() {
		multi := res.Intent.ClassifyMulti(ctx, text)
		e.Str("intent", string(cls.Kind)).Str("primary", multi.Primary).Msg("classified input")
	}
	switch cls.Kind {
	case intent.KindTask:
		result, err := res.Orch.Run(ctx, text, nil, onChunk)
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
			return
		}
		fmt.Printf("[%d subtasks completed, %d failed]\n", result.Completed, result.Failed)

	case intent.KindTool:
		_, err := res.Facade.SendPrompt(ctx, text, llm.Options{
			Tools:       res.Registry.Definitions(),
			OnTextChunk: onChunk,
		})
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
		}

	default: // KindDirect
		prompt := text
		if snap, ok := contextbuild.SnapshotFrom(res.View, ""); ok {
			builder := contextbuild.NewBuilder(nil, 0)
			if block := builder.Build(text, snap); block != "" {
				prompt = text + "\n\n" + block
			}
		}
		_, err := res.Facade.SendPrompt(ctx, prompt, llm.Options{
			SingleTurn:  true,
			OnTextChunk: onChunk,
		})
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
		}
	}
}

// handleCommand runs one slash command; true means exit the REPL.
func handleCommand(ctx context.Context, cmd string, res *bootstrap.BuildResult, out io.Writer) bool {
	switch cmd {
	case "/exit", "/quit":
		return true
	case "/help":
		printCommands(out)
	case "/tasks":
		s := res.Tasks.Summary()
		fmt.Fprintf(out, "tasks: %d total, %d pending, %d in progress, %d completed, %d failed\n",
			s.Total, s.Pending, s.InProgress, s.Completed, s.Failed)
	case "/tools":
		for _, def := range res.Registry.Definitions() {
			fmt.Fprintf(out, "  %-18s %s\n", def.Function.Name, def.Function.Description)
		}
	case "/logs":
		entries, err := res.Registry.QueryLogs(ctx, time.Now().Add(-time.Hour), "")
		if err != nil {
			fmt.Fprintf(out, "query logs failed: %v\n", err)
			break
		}
		for _, e := range entries {
			fmt.Fprintf(out, "  %s %-18s %s\n",
				time.UnixMilli(e.Timestamp).Format("15:04:05"), e.ToolName, e.Status)
		}
	case "/metrics":
		agg := res.Metrics.Query(ctx, metrics.Filter{})
		fmt.Fprintf(out, "requests: %d (%d ok, %d failed), tokens: %d, avg latency: %.0fms\n",
			agg.RequestCount, agg.SuccessCount, agg.FailureCount, agg.TotalTokens, agg.AverageLatencyMS)
		rs := res.Facade.RateStats()
		fmt.Fprintf(out, "window: %d/%d requests, %d/%d tokens\n",
			rs.RequestsInWindow, rs.RequestLimit, rs.TokensInWindow, rs.TokenLimit)
	default:
		fmt.Fprintf(out, "unknown command %s\n", cmd)
	}
	return false
}

func printCommands(out io.Writer) {
	fmt.Fprintln(out, "commands: /tasks /tools /logs /metrics /help /exit")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/martinemde/codeloop/agentloop"
	"github.com/martinemde/codeloop/events"
	"github.com/martinemde/codeloop/observability"
	"github.com/martinemde/codeloop/permission"
	"github.com/martinemde/codeloop/pipeline"
	"github.com/martinemde/codeloop/tools"
	"github.com/martinemde/codeloop/unifiedllm"
)

type runFlags struct {
	sessionID   string
	resumeFrom  string
	provider    string
	model       string
	mode        string
	maxTurns    int
	noStream    bool
	yes         bool
	metricsAddr string
}

func buildRunCmd(g *globalFlags) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one agent turn",
		Long: `Run one agent turn. The prompt is taken from the arguments, or from stdin
when none are given. Without --session a new session is started in the
current directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTurn(cmd, g, f, args)
		},
	}
	cmd.Flags().StringVarP(&f.sessionID, "session", "s", "", "Session ID to continue")
	cmd.Flags().StringVar(&f.resumeFrom, "resume", "", "Record ID to branch from instead of the session head")
	cmd.Flags().StringVar(&f.provider, "provider", "", "Provider override (anthropic, openai, groq, mistral)")
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "Model override")
	cmd.Flags().StringVar(&f.mode, "mode", "", "Permission mode override (default, auto-edit, plan, yolo)")
	cmd.Flags().IntVar(&f.maxTurns, "max-turns", 0, "Model call ceiling for this turn")
	cmd.Flags().BoolVar(&f.noStream, "no-stream", false, "Wait for complete model responses instead of streaming")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Approve every tool call that would ask for confirmation")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the turn runs")
	return cmd
}

func runTurn(cmd *cobra.Command, g *globalFlags, f runFlags, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(g)
	if err != nil {
		return err
	}
	snap := a.snap
	if f.provider != "" {
		snap.Provider = f.provider
	}
	if f.model != "" {
		snap.Model = f.model
	}
	if f.mode != "" {
		if snap.Mode, err = permission.ParseMode(f.mode); err != nil {
			return err
		}
	}
	if f.maxTurns > 0 {
		snap.MaxTurns = f.maxTurns
	}
	if f.noStream {
		snap.Stream = false
	}

	input, err := promptText(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	env := tools.NewLocalEnvironment(wd)
	registry, err := tools.NewRegistry(tools.Builtins(env, tools.DefaultBuiltinOptions())...)
	if err != nil {
		return err
	}

	emitter := events.NewEmitter(1024)
	if f.metricsAddr != "" {
		shutdown := serveMetrics(f.metricsAddr, emitter, a)
		defer shutdown()
	}

	client := unifiedllm.NewClientFromEnv(
		unifiedllm.WithDefaultProvider(snap.Provider),
		unifiedllm.WithLogger(a.logger),
		unifiedllm.WithMiddleware(logCompletions(a.logger)),
		unifiedllm.WithStreamMiddleware(logStreams(a.logger)),
	)
	defer client.Close()
	if len(client.Providers()) == 0 {
		return errors.New("no provider credentials found; set ANTHROPIC_API_KEY, OPENAI_API_KEY, GROQ_API_KEY or MISTRAL_API_KEY")
	}

	var confirm pipeline.Confirmer = pipeline.AcceptAll
	if !f.yes {
		var closeInput func()
		confirm, closeInput = promptConfirmer(len(args) == 0, cmd.InOrStdin(), cmd.ErrOrStderr(), openTTY)
		defer closeInput()
	}
	pipe := pipeline.New(registry,
		pipeline.WithEmitter(emitter),
		pipeline.WithLogger(a.logger),
	)
	runner := agentloop.NewRunner(client, a.store, pipe,
		agentloop.WithEmitter(emitter),
		agentloop.WithLogger(a.logger),
		agentloop.WithConfirmer(confirm),
		agentloop.WithEnvironment(env),
	)

	sessionID := f.sessionID
	if sessionID == "" {
		sess, err := a.store.NewSession(ctx, wd)
		if err != nil {
			return err
		}
		sessionID = sess.ID
	}
	var opts []agentloop.TurnOption
	if f.resumeFrom != "" {
		opts = append(opts, agentloop.ResumeFrom(f.resumeFrom))
	}

	r := &renderer{out: cmd.OutOrStdout(), info: cmd.ErrOrStderr()}
	done := r.consume(emitter.Events())
	res, err := runner.RunTurn(ctx, sessionID, input, snap, opts...)
	emitter.Close()
	<-done

	if res != nil {
		r.finish(res, emitter.Dropped())
		fmt.Fprintf(cmd.ErrOrStderr(), "session %s  head %s  %s after %d model calls, %d tokens\n",
			sessionID, res.Head, res.Status, res.Iterations, res.Usage.TotalTokens)
	}
	return err
}

func promptText(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("empty prompt")
	}
	return text, nil
}

// serveMetrics exposes a private registry fed by emitter and returns a
// function that stops the server.
func serveMetrics(addr string, emitter *events.Emitter, a *app) func() {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	emitter.Observe(metrics.Observe)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

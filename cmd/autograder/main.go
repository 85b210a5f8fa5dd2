package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pavelanni/autograder/internal/events"
	"github.com/pavelanni/autograder/internal/exam"
	"github.com/pavelanni/autograder/internal/grading"
	"github.com/pavelanni/autograder/internal/handler"
	appI18n "github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/llm/prompts"
	"github.com/pavelanni/autograder/internal/lock"
	"github.com/pavelanni/autograder/internal/metrics"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/store"
)

func main() {
	// A missing .env file is fine; real environment variables still apply.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "autograder",
		Short: "Exam sessions with automatic and AI-assisted grading",
	}

	serve := serveCmd()
	root.AddCommand(serve, gradeCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	f.String("log-file", "", "Also write logs to this file, rotated by size")
}

func addJudgeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for the judge model")
	f.String("llm-model", "llama3.2", "Judge model name")
	f.Float32("llm-temperature", 0.2, "Sampling temperature for judge calls")
	f.Int("llm-max-tokens", 1024, "Maximum tokens per judge reply (0 = provider default)")
	f.Duration("llm-timeout", 20*time.Second, "Timeout for a single judge call")
	f.Int("llm-attempts", 3, "Judge call attempts before falling back")
	f.Bool("llm-json-mode", true, "Request JSON object replies when grading")
	f.Float64("llm-rate", 0, "Judge calls per second across all sessions (0 = unlimited)")
	f.Int("llm-burst", 1, "Burst size for the judge rate limit")
	f.String("prompts-dir", "", "Directory with templates/grade.txt and templates/summary.txt overriding the built-in prompts")
	f.Int("grading-concurrency", 4, "Answers graded in parallel per session")
	f.StringP("lang", "l", "en", "Language for fallback texts and API messages (en, zh)")
	f.String("redis-url", "", "Redis URL for cross-process session locks (empty = in-process locks)")
	f.Duration("lock-ttl", 2*time.Minute, "Expiry of a Redis session lock; held locks are renewed every third of it")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP exam API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "autograder.db", "SQLite database path")
	f.StringSliceP("papers", "p", nil, "Paper JSON files to import on startup (repeatable)")
	f.Bool("auto-grade", true, "Grade sessions right after submit")
	f.Duration("auto-grade-timeout", 5*time.Minute, "Upper bound for grading after submit (0 = none)")
	addJudgeFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade one completed session and print the result",
		RunE:  runGrade,
	}
	f := cmd.Flags()
	f.String("db", "autograder.db", "SQLite database path")
	f.Int64("session", 0, "Session ID to grade (required)")
	addJudgeFlags(cmd)
	addLogFlags(cmd)
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export exam results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "autograder.db", "SQLite database path")
	f.Int64("paper-id", 0, "Only export sessions of this paper")
	f.String("student", "", "Only export sessions of this student")
	f.String("status", "", "Only export sessions in this status")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if path := v.GetString("log-file"); path != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(out, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("AUTOGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("autograder")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/autograder")
	v.AddConfigPath("/etc/autograder")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// grader bundles the grading pipeline with what it was built from.
type grader struct {
	pipeline *grading.Pipeline
	locker   lock.Locker
	closers  []func() error
}

func (g *grader) Close() {
	for _, c := range g.closers {
		if err := c(); err != nil {
			slog.Warn("close grading resource", "error", err)
		}
	}
}

// newGrader wires the judge client, locks and the pipeline from configuration.
func newGrader(v *viper.Viper, db *store.Store, collector *metrics.Collector, publisher events.Publisher) (*grader, error) {
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return nil, fmt.Errorf("init i18n: %w", err)
	}
	text := appI18n.FeedbackText(context.Background())

	promptSet := prompts.Default()
	if dir := v.GetString("prompts-dir"); dir != "" {
		set, err := prompts.Load(os.DirFS(dir))
		if err != nil {
			return nil, fmt.Errorf("load prompts: %w", err)
		}
		promptSet = set
	}

	judge := llm.New(llm.Config{
		BaseURL:     v.GetString("llm-url"),
		APIKey:      v.GetString("llm-key"),
		Model:       v.GetString("llm-model"),
		Temperature: float32(v.GetFloat64("llm-temperature")),
		MaxTokens:   v.GetInt("llm-max-tokens"),
		JSONMode:    v.GetBool("llm-json-mode"),
		CallTimeout: v.GetDuration("llm-timeout"),
		MaxAttempts: v.GetInt("llm-attempts"),
		RateLimit:   v.GetFloat64("llm-rate"),
		RateBurst:   v.GetInt("llm-burst"),
		Text:        text,
		Prompts:     promptSet,
		Logger:      slog.Default().With("component", "judge"),
		Metrics:     collector,
	})

	g := &grader{}
	g.locker = lock.NewLocal()
	if url := v.GetString("redis-url"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		g.locker = lock.NewRedis(client, v.GetDuration("lock-ttl"), slog.Default())
		g.closers = append(g.closers, client.Close)
		slog.Info("using redis session locks", "addr", opts.Addr)
	}

	g.pipeline = grading.NewPipeline(db, db, judge,
		grading.WithLocker(g.locker),
		grading.WithPublisher(publisher),
		grading.WithMetrics(collector),
		grading.WithLogger(slog.Default().With("component", "grading")),
		grading.WithFeedbackText(text),
		grading.WithConcurrency(v.GetInt("grading-concurrency")),
	)
	return g, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loadPapers(ctx, db, v.GetStringSlice("papers")); err != nil {
		return fmt.Errorf("load papers: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg)

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64},
		watermill.NewSlogLogger(slog.Default().With("component", "events")))
	defer pubSub.Close()
	if err := events.LogSessionGraded(ctx, pubSub, slog.Default().With("component", "events")); err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	g, err := newGrader(v, db, collector, events.NewWatermill(pubSub))
	if err != nil {
		return err
	}
	defer g.Close()

	svc := exam.NewService(db, db, g.pipeline, g.locker, exam.Config{
		AutoGrade:        v.GetBool("auto-grade"),
		AutoGradeTimeout: v.GetDuration("auto-grade-timeout"),
	}, slog.Default().With("component", "exam"))

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(handler.New(svc), collector),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", v.GetString("lang"),
		"auto_grade", v.GetBool("auto-grade"),
		"grading_concurrency", v.GetInt("grading-concurrency"),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func runGrade(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	g, err := newGrader(v, db, nil, events.Nop{})
	if err != nil {
		return err
	}
	defer g.Close()

	sess, err := g.pipeline.Grade(cmd.Context(), v.GetInt64("session"))
	if err != nil {
		return fmt.Errorf("grade session: %w", err)
	}
	return writeJSON(cmd.OutOrStdout(), sess)
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	filter := model.SessionFilter{
		PaperID:     v.GetInt64("paper-id"),
		StudentName: v.GetString("student"),
		Status:      model.SessionStatus(v.GetString("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("unknown status %q", filter.Status)
	}
	results, err := db.ExportSessions(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	export := model.ResultsExport{
		ExportedAt: time.Now().UTC(),
		PaperID:    filter.PaperID,
		Results:    results,
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := writeJSON(w, export); err != nil {
		return err
	}
	slog.Info("exported sessions", "count", len(results), "output", outPath)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}

// loadPapers imports each paper file once. A file whose content changed after
// import is skipped so existing sessions keep pointing at the paper they took.
func loadPapers(ctx context.Context, db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.ImportedFileHash(ctx, path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash {
			slog.Info("paper file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("paper file changed since last import, skipping to avoid breaking existing sessions",
				"path", path)
			continue
		}

		var paper model.PaperImport
		if err := json.Unmarshal(data, &paper); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		id, err := db.InsertPaper(ctx, paper)
		if err != nil {
			return fmt.Errorf("insert paper from %s: %w", path, err)
		}
		if err := db.RecordImportedFile(ctx, path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported paper", "path", path, "paper_id", id, "questions", len(paper.Questions))
	}

	count, err := db.PaperCount(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		slog.Warn("no papers loaded; pass --papers to import some")
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

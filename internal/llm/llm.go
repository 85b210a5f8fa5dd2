package llm

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/pavelanni/autograder/internal/llm/prompts"
	"github.com/pavelanni/autograder/internal/metrics"
	"github.com/pavelanni/autograder/internal/model"
)

const (
	defaultCallTimeout = 20 * time.Second
	defaultMaxAttempts = 3
)

// Config configures a judge Client. JSONMode asks the provider for a JSON object
// reply on grading calls. RateLimit is the sustained number of calls per second
// shared by all callers; 0 disables limiting.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	JSONMode    bool
	CallTimeout time.Duration
	MaxAttempts int
	Backoff     []time.Duration
	RateLimit   float64
	RateBurst   int
	Text        model.FeedbackText
	Prompts     *prompts.Set
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client grades free-text answers and writes session summaries with an
// OpenAI-compatible chat completion API. It never returns errors to callers;
// failed calls degrade to fixed fallback texts.
type Client struct {
	api         chatCompleter
	model       string
	temperature float32
	maxTokens   int
	jsonMode    bool
	callTimeout time.Duration
	maxAttempts int
	backoff     []time.Duration
	limiter     *rate.Limiter
	text        model.FeedbackText
	prompts     *prompts.Set
	logger      *slog.Logger
	metrics     *metrics.Collector
}

// New creates a new judge client.
func New(cfg Config) *Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}
	return newClient(openai.NewClientWithConfig(config), cfg)
}

func newClient(api chatCompleter, cfg Config) *Client {
	c := &Client{
		api:         api,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		jsonMode:    cfg.JSONMode,
		callTimeout: cfg.CallTimeout,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		limiter:     rate.NewLimiter(rate.Inf, 0),
		text:        cfg.Text.WithDefaults(),
		prompts:     cfg.Prompts,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
	if c.callTimeout <= 0 {
		c.callTimeout = defaultCallTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.backoff == nil {
		c.backoff = DefaultBackoff
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}
	if c.prompts == nil {
		c.prompts = prompts.Default()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// GradeText asks the judge to score one free-text answer out of maxScore.
// The reply goes through the structured parser, then the heuristic parser.
// A reply with no usable score gets 0 points with the reply itself as feedback;
// the fixed fallback result is reserved for failed calls.
func (c *Client) GradeText(ctx context.Context, q model.QuestionRef, raw string, maxScore int) model.GradingResult {
	log := c.logger.With("question_id", q.ID)

	prompt, err := c.prompts.BuildGradePrompt(q, raw, maxScore, c.text.Unanswered)
	if err != nil {
		log.Error("build grade prompt", "error", err)
		return c.fallback()
	}

	reply, err := c.complete(ctx, prompt, c.jsonMode)
	if err != nil {
		log.Warn("judge unavailable, using fallback", "error", err)
		return c.fallback()
	}
	log.Debug("judge reply", "raw", reply)

	res, err := ParseStructured(reply, maxScore)
	if err == nil {
		c.metrics.JudgeResult(string(model.SourceStructured))
		return res
	}
	log.Debug("structured parse failed", "error", err)

	if res, ok := ParseHeuristic(reply, maxScore, c.text.HeuristicReason); ok {
		c.metrics.JudgeResult(string(model.SourceHeuristic))
		return res
	}
	log.Warn("judge reply has no usable score", "reply", truncateRunes(reply, heuristicFeedbackRunes))
	c.metrics.JudgeResult(string(model.SourceHeuristic))
	return Unscored(reply, c.text.HeuristicReason)
}

// Summarize asks the judge for a short summary of the whole session.
// It returns the fixed summary template if the call fails or the reply is blank.
func (c *Client) Summarize(ctx context.Context, total, maxScore, questionCount, correctCount int) string {
	prompt, err := c.prompts.BuildSummaryPrompt(prompts.SummaryData{
		Total:         total,
		Max:           maxScore,
		QuestionCount: questionCount,
		CorrectCount:  correctCount,
	})
	if err != nil {
		c.logger.Error("build summary prompt", "error", err)
		return c.text.Summary(total, maxScore)
	}
	reply, err := c.complete(ctx, prompt, false)
	if err != nil {
		c.logger.Warn("summary unavailable, using template", "error", err)
		return c.text.Summary(total, maxScore)
	}
	if s := strings.TrimSpace(reply); s != "" {
		return s
	}
	return c.text.Summary(total, maxScore)
}

func (c *Client) fallback() model.GradingResult {
	c.metrics.JudgeResult(string(model.SourceFallback))
	return model.GradingResult{
		Score:       0,
		Correctness: model.CorrectnessIncorrect,
		Feedback:    c.text.Unavailable,
		ReasonCode:  c.text.ServiceError,
		Source:      model.SourceFallback,
	}
}

// complete sends a single-message chat request, retrying transient failures.
// Every attempt waits on the shared rate limiter and runs under its own timeout.
func (c *Client) complete(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	attempts := 0
	op := func() (string, error) {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		start := time.Now()
		resp, err := c.api.CreateChatCompletion(callCtx, req)
		elapsed := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				c.metrics.JudgeCall("permanent", elapsed)
				return "", backoff.Permanent(ctx.Err())
			}
			if !retryable(err) {
				c.metrics.JudgeCall("permanent", elapsed)
				return "", backoff.Permanent(err)
			}
			c.metrics.JudgeCall("transient", elapsed)
			return "", err
		}
		if len(resp.Choices) == 0 {
			c.metrics.JudgeCall("permanent", elapsed)
			return "", backoff.Permanent(ErrEmptyReply)
		}
		c.metrics.JudgeCall("success", elapsed)
		return resp.Choices[0].Message.Content, nil
	}

	reply, err := backoff.RetryNotifyWithData(op, newBackOff(ctx, c.backoff, c.maxAttempts),
		func(err error, wait time.Duration) {
			c.logger.Warn("judge call failed, retrying", "attempt", attempts, "wait", wait, "error", err)
		})
	if err != nil {
		return "", &ExternalServiceError{Attempts: attempts, Err: err}
	}
	return reply, nil
}

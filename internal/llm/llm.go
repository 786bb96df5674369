// Package llm is the provider-agnostic facade in front of the model
// backend. It owns the policies the provider deliberately does not:
// timeouts, retry with backoff and jitter, per-minute rate limiting,
// metrics reporting per attempt, and the tool-call conversation loop.
package llm

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"kodex/internal/chat"
	"kodex/internal/config"
	"kodex/internal/errs"
	"kodex/internal/metrics"
	"kodex/internal/provider"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// defaultToolRounds bounds the tool-call loop inside one SendPrompt.
const defaultToolRounds = 8

// Dispatcher executes one named tool call and renders the result (or
// classified error) as JSON for the tool turn.
type Dispatcher interface {
	DispatchRaw(ctx context.Context, name, arguments string) string
}

// Options 单次 SendPrompt 的调用选项
// Options configures one SendPrompt call.
type Options struct {
	// History is the prior transcript, prepended before the prompt.
	History []chat.Message
	// Tools exposes tool schemas to the model; tool-call turns are
	// executed by the dispatcher and fed back into the conversation.
	Tools []chat.ToolDef
	// SingleTurn asks for exactly one model turn with no tool calls.
	SingleTurn bool
	// CustomRules are appended to the facade-wide rules for this call.
	CustomRules []string
	// OnTextChunk streams assistant text as it arrives.
	OnTextChunk func(chunk string)
}

// Response is the outcome of one SendPrompt call.
type Response struct {
	Content string
	// History is the full transcript including the new turns, ready to
	// seed a follow-up call.
	History []chat.Message
	Usage   provider.Usage
}

// Facade 面向编排器的 LLM 门面：系统提示、超时、重试、限流、计量
// Facade fronts the provider for the orchestrator: system turn,
// timeout, retry, rate limiting and metrics.
type Facade struct {
	provider provider.Provider
	dispatch Dispatcher
	pipeline *metrics.Pipeline
	limiter  *RateLimiter
	log      zerolog.Logger

	timeout     time.Duration
	retries     int
	retryDelay  time.Duration
	customRules []string

	mu  sync.Mutex
	rng *rand.Rand
}

func New(p provider.Provider, dispatch Dispatcher, pipeline *metrics.Pipeline, cfg config.LLMConfig, customRules []string, log zerolog.Logger) *Facade {
	var timeout time.Duration
	if pc, ok := cfg.Providers[cfg.Provider]; ok && pc.TimeoutMS > 0 {
		timeout = time.Duration(pc.TimeoutMS) * time.Millisecond
	}
	return &Facade{
		provider:    p,
		dispatch:    dispatch,
		pipeline:    pipeline,
		limiter:     NewRateLimiter(cfg.Common.RequestsPerMinute, cfg.Common.TokensPerMinute, cfg.Common.QueueOnLimit),
		log:         log,
		timeout:     timeout,
		retries:     cfg.Common.RetryAttempts,
		retryDelay:  time.Duration(cfg.Common.RetryDelayMS) * time.Millisecond,
		customRules: customRules,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RateStats exposes the limiter's live window usage.
func (f *Facade) RateStats() RateStats {
	return f.limiter.Stats()
}

// SendPrompt 发送一次提示：系统轮 + 历史 + 用户输入，工具模式下循环
// 执行工具调用直到模型给出最终回答。
// SendPrompt runs one prompt: system turn + history + user input. In
// tool mode the dispatcher executes tool-call turns and their results
// are fed back until the model answers in plain text.
func (f *Facade) SendPrompt(ctx context.Context, prompt string, opts Options) (Response, error) {
	if strings.TrimSpace(prompt) == "" {
		return Response{}, errs.E(errs.KindInvalidArgument, "empty prompt")
	}

	messages := make([]chat.Message, 0, len(opts.History)+2)
	messages = append(messages, f.systemTurn(opts))
	messages = append(messages, opts.History...)
	messages = append(messages, chat.Message{Role: "user", Content: prompt})

	tools := opts.Tools
	rounds := defaultToolRounds
	if opts.SingleTurn {
		tools = nil
		rounds = 1
	}

	var out Response
	for round := 0; round < rounds; round++ {
		if err := ctx.Err(); err != nil {
			return out, errs.Wrap(errs.KindCancelled, "prompt cancelled", err)
		}

		resp, err := f.chatOnce(ctx, messages, tools, opts.OnTextChunk)
		if err != nil {
			return out, err
		}
		out.Usage.PromptTokens += resp.Usage.PromptTokens
		out.Usage.CompletionTokens += resp.Usage.CompletionTokens
		out.Usage.TotalTokens += resp.Usage.TotalTokens

		messages = append(messages, chat.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		if resp.Content != "" {
			out.Content = resp.Content
		}

		if len(resp.ToolCalls) == 0 || opts.SingleTurn {
			out.History = messages
			return out, nil
		}
		if f.dispatch == nil {
			out.History = messages
			return out, errs.E(errs.KindInvalidArgument, "tool calls requested but no dispatcher configured")
		}

		// 工具执行失败不触发重试策略，结果按原样回喂给模型
		// Tool failures never trigger the retry policy; results are fed
		// back verbatim for the model to react to.
		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				out.History = messages
				return out, errs.Wrap(errs.KindCancelled, "prompt cancelled", err)
			}
			result := f.dispatch.DispatchRaw(ctx, call.Function.Name, call.Function.Arguments)
			messages = append(messages, chat.Message{
				Role:       "tool",
				Name:       call.Function.Name,
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}

	out.History = messages
	return out, errs.E(errs.KindTimeout, "tool round limit reached")
}

// Complete satisfies the planner dependency of task breakdown: one
// plain turn, no tools.
func (f *Facade) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := f.SendPrompt(ctx, prompt, Options{SingleTurn: true})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// chatOnce 一次模型交互：限流、超时、按策略重试，且每次尝试都上报计量
// chatOnce performs one model exchange: rate limit, timeout, retry per
// policy. Every attempt is reported to the metrics pipeline.
func (f *Facade) chatOnce(ctx context.Context, messages []chat.Message, tools []chat.ToolDef, onText func(string)) (provider.ChatResponse, error) {
	req := provider.ChatRequest{Messages: messages, Tools: tools}
	var cb *provider.StreamCallbacks
	if onText != nil {
		cb = &provider.StreamCallbacks{OnTextChunk: onText}
	}

	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, f.nextDelay(attempt - 1)); err != nil {
				return provider.ChatResponse{}, err
			}
		}
		if err := f.limiter.Acquire(ctx); err != nil {
			// 拒绝模式的限流直接上浮，不进入重试
			// A limiter rejection surfaces immediately, never retried.
			return provider.ChatResponse{}, err
		}

		callCtx := ctx
		cancel := func() {}
		if f.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, f.timeout)
		}
		start := time.Now()
		resp, err := f.provider.Chat(callCtx, req, cb)
		cancel()
		f.report(resp, err, time.Since(start))

		if err == nil {
			f.limiter.Consume(int64(resp.Usage.TotalTokens))
			return resp, nil
		}
		lastErr = err

		// 父上下文取消优先于子超时的判定
		// Parent cancellation wins over the per-call timeout.
		if ctx.Err() != nil {
			return provider.ChatResponse{}, errs.Wrap(errs.KindCancelled, "prompt cancelled", ctx.Err())
		}
		if errs.Is(err, errs.KindCancelled) {
			return provider.ChatResponse{}, err
		}
		if !errs.Retryable(err) {
			return provider.ChatResponse{}, err
		}
		f.log.Warn().Err(err).Int("attempt", attempt+1).Str("kind", errs.KindOf(err).String()).
			Msg("provider call failed, retrying")
	}
	return provider.ChatResponse{}, errs.Wrap(errs.KindOf(lastErr), "provider chat exhausted retries", lastErr)
}

func (f *Facade) nextDelay(attempt int) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return backoffDelay(attempt, f.retryDelay, f.rng)
}

func (f *Facade) report(resp provider.ChatResponse, callErr error, latency time.Duration) {
	if f.pipeline == nil {
		return
	}
	rec := metrics.Record{
		Provider:     f.provider.Name(),
		Model:        f.provider.CurrentModel(),
		RequestID:    uuid.NewString(),
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
		LatencyMS:    latency.Milliseconds(),
		Success:      callErr == nil,
	}
	if callErr != nil {
		rec.ErrorCategory = errs.KindOf(callErr).String()
	}
	// Recording is best effort; store errors must not fail the prompt.
	if err := f.pipeline.Record(context.Background(), rec); err != nil && !errors.Is(err, context.Canceled) {
		f.log.Debug().Err(err).Msg("metrics report failed")
	}
}

func (f *Facade) systemTurn(opts Options) chat.Message {
	var b strings.Builder
	b.WriteString("You are kodex, an AI coding assistant operating on the user's project workspace.\n")
	if opts.SingleTurn {
		b.WriteString("Answer in a single turn. Do not request tool calls.\n")
	} else if len(opts.Tools) > 0 {
		b.WriteString("You may call the provided tools to inspect and modify the project. Use tool results before answering.\n")
	}
	rules := append(append([]string{}, f.customRules...), opts.CustomRules...)
	if len(rules) > 0 {
		b.WriteString("Project rules:\n")
		for _, rule := range rules {
			rule = strings.TrimSpace(rule)
			if rule == "" {
				continue
			}
			b.WriteString("- " + rule + "\n")
		}
	}
	return chat.Message{Role: "system", Content: strings.TrimRight(b.String(), "\n")}
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"kodex/internal/chat"
	"kodex/internal/errs"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider 使用 go-openai SDK 的流式 Provider 实现
// OpenAIProvider implements Provider on the go-openai SDK with
// streaming responses.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	mu     sync.RWMutex
}

// OpenAIConfig is the provider configuration. TimeoutMS bounds the
// whole HTTP exchange including the stream.
type OpenAIConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	TimeoutMS int
}

// NewOpenAIProvider 创建 SDK provider
// NewOpenAIProvider creates the SDK-backed provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	config := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		config.BaseURL = base
	}
	httpClient := &http.Client{}
	if cfg.TimeoutMS > 0 {
		httpClient.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	config.HTTPClient = httpClient

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(config),
		model:  cfg.Model,
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) CurrentModel() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *OpenAIProvider) SetModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return errs.E(errs.KindInvalidArgument, "model is empty")
	}
	p.mu.Lock()
	p.model = model
	p.mu.Unlock()
	return nil
}

// Chat 发送一次请求并消费流；每次调用恰好一次网络尝试
// Chat sends one request and consumes the stream. Exactly one network
// attempt per call; callers decide whether to retry.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest, cb *StreamCallbacks) (ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.CurrentModel()
	}
	if model == "" {
		return ChatResponse{}, errs.E(errs.KindInvalidArgument, "no model configured")
	}
	if len(req.Messages) == 0 {
		return ChatResponse{}, errs.E(errs.KindInvalidArgument, "empty message list")
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, buildRequest(model, req))
	if err != nil {
		return ChatResponse{}, classifyAPIError("create stream", err)
	}
	defer stream.Close()

	var (
		content      strings.Builder
		toolsByIdx   = map[int]*toolCallAccumulator{}
		finishReason string
		usage        Usage
	)

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// 已收到部分内容时返回现有结果而非报错
			// Return partial content rather than fail mid-stream.
			if content.Len() > 0 || len(toolsByIdx) > 0 {
				break
			}
			return ChatResponse{}, classifyAPIError("recv stream", err)
		}

		for _, choice := range resp.Choices {
			if choice.FinishReason != "" {
				finishReason = string(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if cb != nil && cb.OnTextChunk != nil {
					cb.OnTextChunk(choice.Delta.Content)
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc, ok := toolsByIdx[idx]
				if !ok {
					acc = &toolCallAccumulator{}
					toolsByIdx[idx] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Type != "" {
					acc.typ = string(tc.Type)
				}
				if tc.Function.Name != "" {
					acc.name += tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					acc.args.WriteString(tc.Function.Arguments)
				}
			}
		}

		// 部分服务端只在最后一个 chunk 携带 usage
		// Some servers only attach usage to the final chunk.
		if resp.Usage != nil {
			usage = Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
	}

	toolCalls := assembleToolCalls(toolsByIdx)
	if cb != nil && cb.OnToolCall != nil {
		for _, tc := range toolCalls {
			cb.OnToolCall(tc)
		}
	}
	if cb != nil && cb.OnUsage != nil {
		cb.OnUsage(usage)
	}

	return ChatResponse{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage:        usage,
	}, nil
}

func buildRequest(model string, req ChatRequest) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertMessages(req.Messages),
		Stream:   true,
	}
	if len(req.Tools) > 0 {
		out.Tools = convertTools(req.Tools)
		out.ToolChoice = "auto"
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	return out
}

// classifyAPIError maps SDK/HTTP failures onto error kinds so the
// retry policy upstream can tell transient failures from fatal ones.
func classifyAPIError(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests,
			apiErr.HTTPStatusCode >= 500:
			return errs.Wrap(errs.KindTransient, op, err)
		case apiErr.HTTPStatusCode == http.StatusRequestTimeout:
			return errs.Wrap(errs.KindTimeout, op, err)
		case apiErr.HTTPStatusCode == http.StatusUnauthorized,
			apiErr.HTTPStatusCode == http.StatusForbidden:
			return errs.Wrap(errs.KindPermissionDenied, op, err)
		case apiErr.HTTPStatusCode == http.StatusNotFound:
			return errs.Wrap(errs.KindNotFound, op, err)
		}
	}
	return errs.Wrap(errs.Classify(err), op, err)
}

type toolCallAccumulator struct {
	id   string
	typ  string
	name string
	args strings.Builder
}

// assembleToolCalls 按 chunk index 排序组装完整的 tool call
// assembleToolCalls orders accumulated fragments by chunk index into
// complete calls.
func assembleToolCalls(byIdx map[int]*toolCallAccumulator) []chat.ToolCall {
	if len(byIdx) == 0 {
		return nil
	}
	maxIdx := 0
	for idx := range byIdx {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	calls := make([]chat.ToolCall, 0, len(byIdx))
	for i := 0; i <= maxIdx; i++ {
		acc, ok := byIdx[i]
		if !ok {
			continue
		}
		id := strings.TrimSpace(acc.id)
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		typ := strings.TrimSpace(acc.typ)
		if typ == "" {
			typ = "function"
		}
		calls = append(calls, chat.ToolCall{
			ID:   id,
			Type: typ,
			Function: chat.ToolCallFunction{
				Name:      strings.TrimSpace(acc.name),
				Arguments: acc.args.String(),
			},
		})
	}
	return calls
}

func convertMessages(messages []chat.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolType(tc.Type),
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func convertTools(tools []chat.ToolDef) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}

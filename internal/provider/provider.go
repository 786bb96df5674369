// Package provider abstracts the LLM backend: send a prompt with
// optional tool schemas, stream text, accumulate tool calls, report
// token usage. Retry and rate-limit policy live in the facade, not
// here.
package provider

import (
	"context"

	"kodex/internal/chat"
)

// ChatRequest 封装一次模型请求
// ChatRequest wraps a single model call.
type ChatRequest struct {
	Model       string
	Messages    []chat.Message
	Tools       []chat.ToolDef
	Temperature *float64
	MaxTokens   int
}

// StreamCallbacks 流式响应的回调集
// StreamCallbacks is the callback set for streaming responses.
type StreamCallbacks struct {
	OnTextChunk func(chunk string)
	OnToolCall  func(call chat.ToolCall)
	OnUsage     func(usage Usage)
}

// Usage reports token consumption for one request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the complete response after the stream ends.
type ChatResponse struct {
	Content      string
	ToolCalls    []chat.ToolCall
	FinishReason string
	Usage        Usage
}

// Provider 模型提供方接口；单次调用，重试策略由门面负责
// Provider is the model backend interface. One attempt per call; the
// facade owns the retry policy.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest, cb *StreamCallbacks) (ChatResponse, error)
	Name() string
	CurrentModel() string
	SetModel(model string) error
}

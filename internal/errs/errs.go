package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind 错误类别，贯穿核心组件的统一错误分类
// Kind is the unified error category shared across core components.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalidArgument 工具参数非法；不重试
	// KindInvalidArgument marks bad tool parameters; never retried.
	KindInvalidArgument
	// KindNoProject 工具需要已连接的项目根目录
	// KindNoProject means a tool requires a connected project root.
	KindNoProject
	KindNotFound
	KindPermissionDenied
	KindTimeout
	// KindTransient 暂时性失败（网络/限流），可按策略重试
	// KindTransient is a temporary failure (network/rate limit), retryable per policy.
	KindTransient
	KindCancelled
	// KindDependencyInvalid 缓存依赖失效，等价于透明未命中
	// KindDependencyInvalid means a cache dependency changed; treated as a transparent miss.
	KindDependencyInvalid
	// KindFatal 子系统级失败（如数据库无法打开）
	// KindFatal is a subsystem-level failure (e.g. database open failed).
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNoProject:
		return "no_project"
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient"
	case KindCancelled:
		return "cancelled"
	case KindDependencyInvalid:
		return "dependency_invalid"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside a wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a kinded error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf 返回错误的类别；未标注的错误经 Classify 推断
// KindOf returns the error's kind; unannotated errors are inferred via Classify.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err)
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the facade retry policy applies.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTransient:
		return true
	default:
		return false
	}
}

// Classify 将未标注的 provider/文件系统错误映射到 Kind。
// 类型判断优先，字符串匹配仅用于第三方库的无类型错误。
// Classify maps unannotated provider/filesystem errors onto a Kind.
// Typed checks come first; string matching is a fallback for untyped
// errors from third-party libraries.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "permission denied", "not allowed", "user activation"):
		return KindPermissionDenied
	case containsAny(msg, "no such file", "not found", "does not exist"):
		return KindNotFound
	case containsAny(msg, "timeout", "timed out", "deadline"):
		return KindTimeout
	case containsAny(msg, "rate limit", "too many requests", "429", "eof", "connection reset", "tls handshake", "no such host", "temporarily", "502", "503", "504"):
		return KindTransient
	case containsAny(msg, "canceled", "cancelled"):
		return KindCancelled
	default:
		return KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

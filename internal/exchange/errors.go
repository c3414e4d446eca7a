package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind 错误类型
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindAuth
	KindRateLimited
	KindMalformed
	KindInvalidArgument
	KindExchange // 业务拒绝（余额不足等），不可重试
)

// String 返回错误类型字符串
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network_error"
	case KindAuth:
		return "auth_error"
	case KindRateLimited:
		return "rate_limited"
	case KindMalformed:
		return "malformed_response"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindExchange:
		return "exchange_error"
	default:
		return "unknown"
	}
}

// Error 网关统一错误
type Error struct {
	Kind   Kind
	Op     string // 出错的操作，如 GET /market/kline
	Status int    // HTTP 状态码（若有）
	Code   int    // 交易所 retCode（若有）
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " retCode=%d", e.Code)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrAuth) 这类按类型的比较成立。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Code == 0 && t.Status == 0 && t.Err == nil && t.Kind == e.Kind
}

// 按类型比较用的哨兵错误
var (
	ErrNetwork         = &Error{Kind: KindNetwork}
	ErrAuth            = &Error{Kind: KindAuth}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrMalformed       = &Error{Kind: KindMalformed}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrExchange        = &Error{Kind: KindExchange}
)

// KindOf 提取错误类型；context 超时视为网络错误。
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindUnknown
}

func invalidArgument(op, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// 交易所 retCode 分类
var (
	rateLimitCodes = map[int]bool{
		10006: true, // too many visits
		10018: true, // exceeded IP rate limit
	}
	authCodes = map[int]bool{
		10002: true, // 请求时间超出 recv_window
		10003: true, // invalid api key
		10004: true, // 签名错误
		10005: true, // 权限不足
		10007: true, // 用户认证失败
		33004: true, // api key 过期
	}
	argumentCodes = map[int]bool{
		10001: true, // 参数错误
	}
	serverCodes = map[int]bool{
		10000: true, // server timeout
		10016: true, // server error
	}
)

// classifyRetCode 优先使用结构化错误码
func classifyRetCode(code int) Kind {
	switch {
	case rateLimitCodes[code]:
		return KindRateLimited
	case authCodes[code]:
		return KindAuth
	case argumentCodes[code]:
		return KindInvalidArgument
	case serverCodes[code]:
		return KindNetwork
	default:
		return KindExchange
	}
}

// classifyStatus 按 HTTP 状态码分类
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests || status == 418:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		return KindNetwork
	case status >= 400:
		return KindExchange
	default:
		return KindUnknown
	}
}

// classifyBody 仅在响应体不是 JSON 时使用的兜底判断（CDN 拦截页等）
func classifyBody(body string) Kind {
	lower := strings.ToLower(body)
	for _, pattern := range []string{"cloudfront", "too many requests", "rate limit", "429"} {
		if strings.Contains(lower, pattern) {
			return KindRateLimited
		}
	}
	return KindUnknown
}

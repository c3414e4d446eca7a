package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// 认证请求头
const (
	HeaderAPIKey     = "X-API-KEY"
	HeaderTimestamp  = "X-TIMESTAMP"
	HeaderRecvWindow = "X-RECV-WINDOW"
	HeaderSign       = "X-SIGN"
)

// Environment 交易所环境
type Environment string

const (
	Production Environment = "production"
	Sandbox    Environment = "sandbox"
)

// ParseEnvironment 解析环境名，testnet 视为 sandbox，空值默认 sandbox。
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sandbox", "testnet":
		return Sandbox, nil
	case "production", "mainnet", "live":
		return Production, nil
	default:
		return "", invalidArgument("environment", "unknown environment %q", s)
	}
}

// Credentials 构造后不可变
type Credentials struct {
	apiKey    string
	apiSecret string
	env       Environment
}

// NewCredentials 校验并创建凭证；缺失 key/secret 属于致命配置错误。
func NewCredentials(apiKey, apiSecret string, env Environment) (Credentials, error) {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(apiSecret) == "" {
		return Credentials{}, &Error{Kind: KindAuth, Op: "credentials", Msg: "api key and secret are required"}
	}
	if env != Production && env != Sandbox {
		return Credentials{}, invalidArgument("credentials", "unknown environment %q", env)
	}
	return Credentials{apiKey: apiKey, apiSecret: apiSecret, env: env}, nil
}

func (c Credentials) APIKey() string           { return c.apiKey }
func (c Credentials) Environment() Environment { return c.env }
func (c Credentials) IsProduction() bool       { return c.env == Production }

// String 不输出 secret
func (c Credentials) String() string {
	key := c.apiKey
	if len(key) > 4 {
		key = key[:4] + "****"
	}
	return fmt.Sprintf("Credentials{key=%s env=%s}", key, c.env)
}

// SignedHeaders 一次签名的结果
type SignedHeaders struct {
	APIKey     string
	Timestamp  string
	RecvWindow string
	Sign       string
}

// Apply 写入 HTTP 请求头
func (h SignedHeaders) Apply(header http.Header) {
	header.Set(HeaderAPIKey, h.APIKey)
	header.Set(HeaderTimestamp, h.Timestamp)
	header.Set(HeaderRecvWindow, h.RecvWindow)
	header.Set(HeaderSign, h.Sign)
}

// Signer 无状态签名器，输入相同输出必然相同。
type Signer struct {
	creds Credentials
}

func NewSigner(creds Credentials) *Signer {
	return &Signer{creds: creds}
}

// Sign 对 GET 参数签名：timestamp + apiKey + recvWindow + 排序后的 query。
func (s *Signer) Sign(timestamp, recvWindow int64, params map[string]string) SignedHeaders {
	return s.SignPayload(timestamp, recvWindow, CanonicalQuery(params))
}

// SignPayload 对任意载荷签名（POST 时为 JSON body）。
func (s *Signer) SignPayload(timestamp, recvWindow int64, payload string) SignedHeaders {
	ts := strconv.FormatInt(timestamp, 10)
	rw := strconv.FormatInt(recvWindow, 10)

	var b strings.Builder
	b.Grow(len(ts) + len(s.creds.apiKey) + len(rw) + len(payload))
	b.WriteString(ts)
	b.WriteString(s.creds.apiKey)
	b.WriteString(rw)
	b.WriteString(payload)

	mac := hmac.New(sha256.New, []byte(s.creds.apiSecret))
	mac.Write([]byte(b.String()))
	return SignedHeaders{
		APIKey:     s.creds.apiKey,
		Timestamp:  ts,
		RecvWindow: rw,
		Sign:       hex.EncodeToString(mac.Sum(nil)),
	}
}

// CanonicalQuery 按 key 字典序拼接 k=v&k2=v2，签名和实际发送使用同一个字符串。
func CanonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

package ingesterr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"
)

// JSON-RPC error codes providers use for throttling and malformed payloads.
const (
	rpcCodeLimitExceeded = -32005
	rpcCodeParseError    = -32700
	rpcCodeInvalidParams = -32602
)

// Status codes are matched through rpc.HTTPError or their reason phrase only.
// Bare digits would also match block numbers and hashes in the message.
var (
	rateLimitTokens = []string{"rate limit", "ratelimit", "too many requests", "throttl", "exceeded the quota", "request limit"}
	transientTokens = []string{
		"timeout", "deadline exceeded", "connection reset", "connection refused", "broken pipe",
		"network is unreachable", "no such host", "eof", "bad gateway", "gateway timeout",
		"service unavailable", "internal server error", "header not found",
	}
	fatalTokens = []string{"unauthorized", "forbidden", "invalid api key", "invalid project id"}
)

// Classify maps a raw error to a Kind. Errors already carrying a Kind keep it.
// A canceled context is Unknown so callers stop instead of retrying.
// Anything unrecognized is treated as TransientNetwork and therefore bounded
// by the caller's retry budget.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	if k := KindOf(err); k != Unknown {
		return k
	}
	if errors.Is(err, context.Canceled) {
		return Unknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientNetwork
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.StatusCode)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case rpcCodeLimitExceeded:
			return RateLimited
		case rpcCodeParseError, rpcCodeInvalidParams:
			return ProtocolDecode
		}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ProtocolDecode
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return TransientNetwork
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return TransientNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, rateLimitTokens):
		return RateLimited
	case containsAny(msg, fatalTokens):
		return ConfigurationFatal
	case containsAny(msg, transientTokens):
		return TransientNetwork
	}
	return TransientNetwork
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return RateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ConfigurationFatal
	case code >= http.StatusInternalServerError:
		return TransientNetwork
	case code == http.StatusRequestTimeout:
		return TransientNetwork
	default:
		return ProtocolDecode
	}
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

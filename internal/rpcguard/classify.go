package rpcguard

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Vendor JSON-RPC codes some providers return when a key is over quota.
var rateLimitRPCCodes = map[int]bool{
	http.StatusTooManyRequests: true,
	-32429:                     true,
	-32005:                     true,
}

// RateLimitError is returned by adapters that detect throttling themselves
type RateLimitError struct {
	Op  string
	Err error
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: rate limited", e.Op)
	}
	return fmt.Sprintf("%s: rate limited: %v", e.Op, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// HTTPError is the error every HTTP adapter returns for a non-2xx response
type HTTPError struct {
	Service string
	Code    int
	Body    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Service, e.Code, e.Body)
}

func (e *HTTPError) StatusCode() int { return e.Code }

// StatusCoder lets transport errors expose their HTTP status
type StatusCoder interface {
	StatusCode() int
}

// IsRateLimited reports whether err is a classified rate-limit failure
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() == http.StatusTooManyRequests {
		return true
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && rateLimitRPCCodes[rpcErr.Code] {
		return true
	}

	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.Code == http.StatusTooManyRequests {
		return true
	}

	return false
}

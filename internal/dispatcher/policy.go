package dispatcher

import (
	"errors"
	"net/http"

	"github.com/stealth-dispatcher/internal/types"
)

type policy struct {
	// retry with a fresh slot
	retry bool
	// at most one retry of this kind per request
	retryOnce bool
	// avoid the failing endpoint on the next attempt
	switchEndpoint bool
	// expire the attached credential set and rotate
	expireCredentials bool
	// hold the scheduler for a burst-length break
	cooldown bool
}

var policies = map[types.FailureKind]policy{
	types.FailureProxyConnection:   {retry: true, switchEndpoint: true},
	types.FailureAuthInvalid:       {retry: true, retryOnce: true, expireCredentials: true},
	types.FailureTargetRateLimited: {cooldown: true},
	types.FailureOther:             {},
}

// Classify maps a transport result to a failure kind. Any transport error,
// timeouts included, is a proxy connection failure; cancellation is not
// classified here and is handled by the caller.
func Classify(resp *Response, err error) types.FailureKind {
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return classifyStatus(se.StatusCode)
		}
		return types.FailureProxyConnection
	}
	if resp == nil {
		return types.FailureOther
	}
	return classifyStatus(resp.StatusCode)
}

func classifyStatus(code int) types.FailureKind {
	switch {
	case code >= 200 && code < 400:
		return types.FailureNone
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return types.FailureAuthInvalid
	case code == http.StatusTooManyRequests:
		return types.FailureTargetRateLimited
	case code == http.StatusProxyAuthRequired || code == http.StatusBadGateway || code == http.StatusGatewayTimeout:
		return types.FailureProxyConnection
	default:
		return types.FailureOther
	}
}

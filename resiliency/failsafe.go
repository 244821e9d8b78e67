package resiliency

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/failsafe-go/failsafe-go/timeout"
	"github.com/querygate/querygate/common"
)

// RetryPredicate decides whether an attempt's outcome deserves another attempt.
type RetryPredicate func(result any, err error) bool

func CreateRetryPolicy(component string, cfg *common.RetryPolicyConfig, shouldRetry RetryPredicate) (failsafe.Policy[any], error) {
	if cfg == nil {
		return nil, common.NewErrInvalidConfig("missing retry policy for " + component)
	}
	builder := retrypolicy.Builder[any]()

	if cfg.MaxAttempts > 0 {
		builder = builder.WithMaxAttempts(cfg.MaxAttempts)
	}
	if cfg.Delay > 0 {
		if cfg.BackoffMaxDelay > 0 {
			if cfg.BackoffMaxDelay < cfg.Delay {
				return nil, common.NewErrInvalidConfig(component + ": retry.backoffMaxDelay must not be lower than retry.delay")
			}
			builder = builder.WithBackoff(cfg.Delay.Duration(), cfg.BackoffMaxDelay.Duration())
		} else {
			builder = builder.WithDelay(cfg.Delay.Duration())
		}
	}
	if cfg.Jitter > 0 {
		builder = builder.WithJitter(cfg.Jitter.Duration())
	}

	if shouldRetry == nil {
		shouldRetry = IsRetryableRequest
	}
	builder.HandleIf(func(_ failsafe.ExecutionAttempt[any], result any, err error) bool {
		return shouldRetry(result, err)
	})

	return builder.Build(), nil
}

func CreateTimeoutPolicy(d time.Duration) failsafe.Policy[any] {
	return timeout.Builder[any](d).Build()
}

// IsRetryableRequest retries transport failures, throttling and 5xx responses. Cancellation and other
// client side failures are final.
func IsRetryableRequest(_ any, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	status := StatusCodeOf(err)
	if status == 0 {
		return true
	}
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}

// StatusCodeOf digs the upstream http status out of a directory or indexer request error, 0 when unknown.
func StatusCodeOf(err error) int {
	for err != nil {
		if se, ok := err.(common.StandardError); ok {
			if sc, ok := se.Base().Details["statusCode"].(int); ok && sc > 0 {
				return sc
			}
		}
		err = errors.Unwrap(err)
	}
	return 0
}

func TranslateFailsafeError(execErr error) error {
	if execErr == nil {
		return nil
	}

	var retryExceededErr *retrypolicy.ExceededError
	if errors.As(execErr, &retryExceededErr) {
		return common.NewErrFailsafeRetryExceeded(retryExceededErr.LastError)
	}

	if errors.Is(execErr, timeout.ErrExceeded) {
		return common.NewErrFailsafeTimeoutExceeded(execErr)
	}

	return execErr
}

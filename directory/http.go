package directory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/resiliency"
	"github.com/querygate/querygate/util"
	"github.com/rs/zerolog"
)

const maxErrorBodyLength = 512

// requester issues bounded-time http calls, retrying transport failures and 5xx responses.
type requester struct {
	logger   *zerolog.Logger
	client   *http.Client
	timeout  time.Duration
	executor failsafe.Executor[any]
}

func newRequester(logger *zerolog.Logger, timeout time.Duration, retry *common.RetryPolicyConfig) (*requester, error) {
	policy, err := resiliency.CreateRetryPolicy("directory", retry, resiliency.IsRetryableRequest)
	if err != nil {
		return nil, err
	}
	return &requester{
		logger:   logger,
		client:   &http.Client{},
		timeout:  timeout,
		executor: failsafe.NewExecutor[any](policy),
	}, nil
}

// do sends the request and returns the raw body. With retry disabled exactly one attempt is made.
func (r *requester) do(ctx context.Context, method, url string, body []byte, retry bool) ([]byte, error) {
	redacted := util.RedactUrl(url)
	attempt := func() ([]byte, error) {
		reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, common.NewErrDirectoryRequest(redacted, 0, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, common.NewErrDirectoryRequest(redacted, resp.StatusCode, err)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			if len(respBody) > maxErrorBodyLength {
				respBody = respBody[:maxErrorBodyLength]
			}
			return nil, common.NewErrDirectoryRequest(redacted, resp.StatusCode, errors.New(string(respBody)))
		}
		return respBody, nil
	}

	if !retry {
		return attempt()
	}

	result, err := r.executor.
		WithContext(ctx).
		GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
			if exec.Attempts() > 1 {
				r.logger.Debug().Str("url", redacted).Int("attempt", exec.Attempts()).Msg("retrying directory request")
			}
			return attempt()
		})
	if err != nil {
		return nil, resiliency.TranslateFailsafeError(err)
	}
	raw, _ := result.([]byte)
	return raw, nil
}

func (r *requester) postJSON(ctx context.Context, url string, payload interface{}, out interface{}, retry bool) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = common.SonicCfg.Marshal(payload)
		if err != nil {
			return err
		}
	}
	raw, err := r.do(ctx, http.MethodPost, url, body, retry)
	if err != nil {
		return err
	}
	return decode(url, raw, out)
}

func (r *requester) getJSON(ctx context.Context, url string, out interface{}) error {
	raw, err := r.do(ctx, http.MethodGet, url, nil, true)
	if err != nil {
		return err
	}
	return decode(url, raw, out)
}

func decode(url string, raw []byte, out interface{}) error {
	if out == nil {
		return nil
	}
	if err := common.SonicCfg.Unmarshal(raw, out); err != nil {
		return common.NewErrDirectoryRequest(util.RedactUrl(url), http.StatusOK, fmt.Errorf("malformed response: %w", err))
	}
	return nil
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse[T any] struct {
	Data   *T             `json:"data"`
	Errors []graphqlError `json:"errors"`
}

func graphql[T any](ctx context.Context, r *requester, endpoint, query string, variables map[string]interface{}) (*T, error) {
	var resp graphqlResponse[T]
	if err := r.postJSON(ctx, endpoint, graphqlRequest{Query: query, Variables: variables}, &resp, true); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, common.NewErrDirectoryRequest(endpoint, http.StatusOK, errors.New(resp.Errors[0].Message))
	}
	if resp.Data == nil {
		return nil, common.NewErrDirectoryRequest(endpoint, http.StatusOK, errors.New("graphql response without data"))
	}
	return resp.Data, nil
}

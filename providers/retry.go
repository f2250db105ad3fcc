package providers

import (
	"context"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v5"
)

// maxUpstreamRetries bounds the 429/5xx backoff policy every adapter shares —
// spec'd as "up to six attempts" total, so five retries after the first try.
const maxUpstreamRetries = 5

// DoWithBackoff sends the request built by build, retrying with exponential
// backoff when upstream answers 429 or 5xx, up to maxUpstreamRetries times.
// 401/403 are left alone — those get the adapter's own session-refresh
// retry, not this one. A non-retryable response (success or 4xx other than
// 429) returns immediately for the caller's existing MapUpstreamError
// handling. If every attempt comes back retryable, the last one's status
// and body are mapped and returned as the error instead.
func DoWithBackoff(ctx context.Context, client *http.Client, provider string, build func() (*http.Request, error)) (*http.Response, error) {
	resp, err := backoff.Retry(ctx, func() (*http.Response, error) {
		httpReq, err := build()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, &retryableStatus{status: resp.StatusCode, body: string(data)}
		}
		return resp, nil
	}, backoff.WithMaxTries(maxUpstreamRetries+1))

	var rs *retryableStatus
	if asRetryableStatus(err, &rs) {
		return nil, MapUpstreamError(rs.status, rs.body, provider)
	}
	return resp, err
}

// retryableStatus signals the backoff operation that upstream's response
// warrants another attempt, carrying enough to build the final error if
// every attempt is exhausted.
type retryableStatus struct {
	status int
	body   string
}

func (e *retryableStatus) Error() string { return "upstream retryable status" }

func asRetryableStatus(err error, target **retryableStatus) bool {
	rs, ok := err.(*retryableStatus)
	if ok {
		*target = rs
	}
	return ok
}

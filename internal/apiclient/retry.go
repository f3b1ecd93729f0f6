package apiclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dvsync/internal/syncerr"
)

// fixedStepBackOff implements backoff.BackOff over the fixed schedule of
// spec.md §4.E ([1,2,4,8,16]s), rather than cenkalti/backoff's default
// exponential curve. A 429 response's Retry-After value, when present,
// overrides the next step via setOverride.
type fixedStepBackOff struct {
	schedule []time.Duration
	index    int
	override time.Duration
}

func (f *fixedStepBackOff) NextBackOff() time.Duration {
	if f.override > 0 {
		d := f.override
		f.override = 0
		return d
	}
	if f.index >= len(f.schedule) {
		return backoff.Stop
	}
	d := f.schedule[f.index]
	f.index++
	return d
}

func (f *fixedStepBackOff) Reset() { f.index = 0; f.override = 0 }

func (f *fixedStepBackOff) setOverride(d time.Duration) { f.override = d }

// doWithRetry executes build (which must return a fresh, unread request
// each call, since a consumed request body can't be replayed) under the
// fixed-step schedule of spec.md §4.E: 401 fails immediately as
// KindAuth, 429 and 5xx/transport errors retry up to len(RetrySchedule)
// times (honoring Retry-After on 429 when present), and any other 4xx
// fails immediately as KindServer.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var result *http.Response
	var attempt int
	step := &fixedStepBackOff{schedule: RetrySchedule}

	operation := func() error {
		if err := c.acquire(ctx); err != nil {
			return backoff.Permanent(err)
		}
		defer c.release()

		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			attempt++
			if attempt > len(RetrySchedule) {
				return backoff.Permanent(syncerr.New(syncerr.KindTransport, fmt.Errorf("apiclient: request failed after %d attempts: %w", attempt, err)))
			}
			return fmt.Errorf("apiclient: transport error: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return backoff.Permanent(syncerr.New(syncerr.KindAuth, fmt.Errorf("apiclient: 401 unauthorized: %s", string(body))))

		case resp.StatusCode == http.StatusTooManyRequests:
			io.Copy(io.Discard, resp.Body) //nolint:errcheck
			resp.Body.Close()
			attempt++
			if attempt > len(RetrySchedule) {
				return backoff.Permanent(syncerr.New(syncerr.KindServer, fmt.Errorf("apiclient: rate limited after %d attempts", attempt)))
			}
			if wait := retryAfter(resp); wait > 0 {
				step.setOverride(wait)
			}
			return fmt.Errorf("apiclient: rate limited (429)")

		case resp.StatusCode >= 500:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			attempt++
			if attempt > len(RetrySchedule) {
				return backoff.Permanent(syncerr.New(syncerr.KindServer, fmt.Errorf("apiclient: server error %d after %d attempts: %s", resp.StatusCode, attempt, string(body))))
			}
			return fmt.Errorf("apiclient: server error %d: %s", resp.StatusCode, string(body))

		case resp.StatusCode >= 400:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return backoff.Permanent(syncerr.New(syncerr.KindServer, fmt.Errorf("apiclient: client error %d: %s", resp.StatusCode, string(body))))

		default:
			result = resp
			return nil
		}
	}

	if err := backoff.Retry(operation, backoff.WithContext(step, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

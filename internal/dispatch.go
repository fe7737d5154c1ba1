package internal

import (
	"context"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/0XwX/stealth-fetch/internal/http"
)

// dispatch is the retry loop around the redirect loop.
func (c *Client) dispatch(ctx context.Context, pr *PreparedRequest) (*http.Response, error) {
	var retry *http.RetryOptions
	if pr.Opt != nil {
		retry = pr.Opt.Retry
	}

	attempt := 0
	for {
		resp, err := c.followRedirects(ctx, pr)
		if retry == nil {
			return resp, err
		}
		retriable := retry.RetryableMethod(pr.Method) && pr.Replayable && attempt < retry.Limit
		if err != nil {
			if !retriable || isTerminalCancellation(ctx, err) {
				return nil, err
			}
		} else {
			if !retriable || !retry.RetryableStatus(resp.StatusCode) {
				return resp, nil
			}
		}

		delay := retryDelay(retry, attempt, resp)
		if resp != nil {
			drainAndDiscard(resp)
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		attempt++
	}
}

// retryDelay honors retry-after (seconds or HTTP date) before falling
// back to exponential backoff, all capped at the configured maximum.
func retryDelay(r *http.RetryOptions, attempt int, resp *http.Response) time.Duration {
	base, max := r.Delays()
	if resp != nil {
		if ra := resp.GetHeader("retry-after"); ra != "" {
			if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil && secs > 0 {
				return minDuration(time.Duration(secs)*time.Second, max)
			}
			if at, err := nethttp.ParseTime(ra); err == nil {
				if d := time.Until(at); d > 0 {
					return minDuration(d, max)
				}
			}
		}
	}
	return minDuration(base<<uint(attempt), max)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func drainAndDiscard(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// followRedirects runs one retry arm: attempt, then chase 3xx hops.
func (c *Client) followRedirects(ctx context.Context, pr *PreparedRequest) (*http.Response, error) {
	maxRedirects := pr.Opt.MaxRedirectCount()
	manual := pr.Opt != nil && pr.Opt.Redirect == http.RedirectManual
	visited := map[string]bool{}

	cur := pr
	for hop := 0; ; hop++ {
		visited[cur.U.String()] = true
		resp, err := c.attempt(ctx, cur)
		if err != nil {
			return nil, err
		}
		resp.URL = cur.U.String()
		if manual || resp.StatusCode < 300 || resp.StatusCode > 399 {
			return resp, nil
		}
		location := resp.GetHeader("location")
		if location == "" {
			return resp, nil
		}
		if hop >= maxRedirects {
			drainAndDiscard(resp)
			return nil, ErrTooManyRedirects
		}
		nextURL, perr := cur.U.Parse(location)
		if perr != nil {
			drainAndDiscard(resp)
			return nil, perr
		}
		if cur.U.Scheme == "https" && nextURL.Scheme == "http" {
			drainAndDiscard(resp)
			return nil, ErrInsecureRedirect
		}
		if visited[nextURL.String()] {
			drainAndDiscard(resp)
			return nil, ErrRedirectLoop
		}
		next, rerr := redirectedRequest(cur, resp.StatusCode, nextURL.String())
		if rerr != nil {
			drainAndDiscard(resp)
			return nil, rerr
		}
		// the previous hop's body is fully consumed before the next
		// request goes out
		drainAndDiscard(resp)
		cur = next
	}
}

// redirectedRequest derives the next hop. 301/302/303 demote to a
// bodyless GET; 307/308 preserve method and body, which a one-shot
// stream body cannot satisfy. Crossing origins drops credentials.
func redirectedRequest(cur *PreparedRequest, status int, nextURL string) (*PreparedRequest, error) {
	method := cur.Method
	body := cur.Request.Body
	headers := cloneHeader(cur.Header)

	switch status {
	case 301, 302, 303:
		if method != "GET" && method != "HEAD" {
			method = "GET"
		}
		body = nil
		delete(headers, "content-type")
		delete(headers, "content-length")
		delete(headers, "content-encoding")
	case 307, 308:
		if body != nil && !cur.Replayable {
			return nil, ErrStreamBodyReplay
		}
	}

	if crossOrigin(cur, nextURL) {
		delete(headers, "authorization")
		delete(headers, "cookie")
		delete(headers, "proxy-authorization")
	}

	next := &http.Request{
		Method:  method,
		URL:     nextURL,
		Body:    body,
		Header:  headers,
		Options: cur.Opt,
	}
	return next.Prepare()
}

func cloneHeader(h nethttp.Header) nethttp.Header {
	out := make(nethttp.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func crossOrigin(cur *PreparedRequest, nextURL string) bool {
	parsed, err := cur.U.Parse(nextURL)
	if err != nil {
		return true
	}
	if parsed.Scheme != cur.U.Scheme {
		return true
	}
	if !strings.EqualFold(parsed.Hostname(), cur.U.Hostname()) {
		return true
	}
	return effectivePort(parsed.Port(), parsed.Scheme) != effectivePort(cur.U.Port(), cur.U.Scheme)
}

func effectivePort(port, scheme string) string {
	if port != "" {
		return port
	}
	if scheme == "http" {
		return "80"
	}
	return "443"
}

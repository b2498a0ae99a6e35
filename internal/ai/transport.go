package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

const (
	maxErrorBody = 4 << 10
	maxLineBytes = 2 << 20
)

// postJSON sends body to url and returns the response when the status is 2xx.
// Streaming requests ignore the client timeout and are bounded by ctx.
func postJSON(ctx context.Context, client *http.Client, provider, url string, body any, hdr http.Header, stream bool) (*http.Response, error) {
	if client == nil {
		return nil, errors.Errorf("%s: http client is nil", provider)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: encode request", provider)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(err, provider)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if stream {
		c := *client
		c.Timeout = 0
		client = &c
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, provider)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, &httpStatusError{provider: provider, status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// lineParser turns one line of a streamed body into a content chunk. done
// ends the stream without error.
type lineParser func(line []byte) (chunk string, done bool, err error)

// streamLines runs open in a goroutine and feeds every line of the response
// through parse. Both channels close when the stream ends.
func streamLines(ctx context.Context, open func() (*http.Response, error), parse lineParser) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := open()
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			chunk, done, err := parse(line)
			if err != nil {
				errs <- err
				return
			}
			if chunk != "" {
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			if done {
				return
			}
		}
		if err := sc.Err(); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

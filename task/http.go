package task

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// httpTask issues a single GET request and discards the body, measuring
// wall-clock latency. The client is shared across executions of the same
// task instance and reused for connection pooling.
type httpTask struct {
	url    string
	client *http.Client
}

func newHTTPTask(param string) (Task, error) {
	url := strings.TrimSpace(param)
	if url == "" {
		return nil, fmt.Errorf("task: http: url must not be empty")
	}
	return httpTask{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

func (t httpTask) Execute(ctx context.Context) Result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return Result{Success: false, Latency: time.Since(start), Err: err}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{Success: false, Latency: time.Since(start), Err: err}
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	latency := time.Since(start)
	if err != nil {
		return Result{Success: false, Latency: latency, Err: err}
	}
	if resp.StatusCode >= 400 {
		return Result{
			Success:        false,
			Latency:        latency,
			Err:            fmt.Errorf("task: http: unexpected status %d", resp.StatusCode),
			BytesProcessed: n,
		}
	}
	return Result{Success: true, Latency: latency, BytesProcessed: n}
}

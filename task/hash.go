package task

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strconv"
	"time"
)

// hashTask generates n random bytes and hashes them with SHA-256,
// simulating CPU-bound work independent of the network.
type hashTask struct {
	n int
}

func newHashTask(param string) (Task, error) {
	n, err := strconv.Atoi(param)
	if err != nil {
		return nil, fmt.Errorf("task: hash: invalid byte count %q: %w", param, err)
	}
	if n <= 0 {
		return nil, fmt.Errorf("task: hash: byte count must be positive, got %d", n)
	}
	return hashTask{n: n}, nil
}

func (t hashTask) Execute(ctx context.Context) Result {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Result{Success: false, Latency: time.Since(start), Err: err}
	}
	buf := make([]byte, t.n)
	if _, err := rand.Read(buf); err != nil {
		return Result{Success: false, Latency: time.Since(start), Err: err}
	}
	sum := sha256.Sum256(buf)
	return Result{
		Success:        true,
		Latency:        time.Since(start),
		BytesProcessed: int64(len(sum)),
	}
}

// Command loadgen runs a single load test to completion from the
// command line and prints periodic and final metrics snapshots as
// JSON, without starting an HTTP server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/99souls/loadgen/clock"
	"github.com/99souls/loadgen/ramp"
	"github.com/99souls/loadgen/runner"
)

func main() {
	var (
		taskType            string
		taskParam           string
		targetTPS           float64
		targetTPSRamp       time.Duration
		maxConcurrency      int
		startingConcurrency int
		duration            time.Duration
		warmup              time.Duration
		rampType            string
		rampStep            int
		rampInterval        time.Duration
		snapshotEvery       time.Duration
	)

	flag.StringVar(&taskType, "task", "sleep", "task type (sleep, http, hash, scrape)")
	flag.StringVar(&taskParam, "param", "10ms", "task parameter")
	flag.Float64Var(&targetTPS, "rate", 0, "target transactions/sec; 0 disables rate limiting")
	flag.DurationVar(&targetTPSRamp, "rate-ramp", 0, "duration over which target rate ramps from 1 to -rate")
	flag.IntVar(&maxConcurrency, "max-concurrency", 50, "concurrency ceiling")
	flag.IntVar(&startingConcurrency, "start-concurrency", 0, "starting concurrency; 0 derives from ramp type")
	flag.DurationVar(&duration, "duration", 30*time.Second, "main phase duration")
	flag.DurationVar(&warmup, "warmup", 0, "warmup duration, excluded from reported metrics")
	flag.StringVar(&rampType, "ramp", "constant", "ramp strategy: constant, linear, step")
	flag.IntVar(&rampStep, "ramp-step", 0, "step size for -ramp=step")
	flag.DurationVar(&rampInterval, "ramp-interval", 0, "interval for -ramp=step, or total duration for -ramp=linear")
	flag.DurationVar(&snapshotEvery, "snapshot-interval", 5*time.Second, "interval between progress snapshots; 0 disables")
	flag.Parse()

	if startingConcurrency == 0 {
		startingConcurrency = maxConcurrency
		if rampType != "constant" {
			startingConcurrency = 1
		}
	}

	strategy, err := buildRampStrategy(rampType, startingConcurrency, maxConcurrency, rampStep, rampInterval)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := runner.TestConfig{
		TaskType:              taskType,
		TaskParam:             taskParam,
		TargetTPS:             targetTPS,
		TargetTPSRampDuration: targetTPSRamp,
		MaxConcurrency:        maxConcurrency,
		StartingConcurrency:   startingConcurrency,
		Duration:              duration,
		WarmupDuration:        warmup,
		RampStrategy:          strategy,
	}

	r, err := runner.New(cfg, clock.Real())
	if err != nil {
		fmt.Fprintf(os.Stderr, "loadgen: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "loadgen: signal received; stopping")
		r.Stop()
		<-sigCh
		os.Exit(1)
	}()

	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	var ticker *time.Ticker
	var tickerC <-chan time.Time
	if snapshotEvery > 0 {
		ticker = time.NewTicker(snapshotEvery)
		tickerC = ticker.C
		defer ticker.Stop()
	}

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-tickerC:
			_ = enc.Encode(r.Status())
		case <-done:
			_ = enc.Encode(r.Status())
			return
		}
	}
}

func buildRampStrategy(kind string, start, max, step int, interval time.Duration) (ramp.Strategy, error) {
	switch kind {
	case "constant":
		return ramp.NewConstant(max), nil
	case "linear":
		return ramp.NewLinear(start, max, interval), nil
	case "step":
		return ramp.NewStep(start, step, interval, max), nil
	default:
		return nil, fmt.Errorf("loadgen: unknown ramp type %q", kind)
	}
}

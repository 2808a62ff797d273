// Command loadgen drives paced synthetic traffic against a running admission
// server and prints each decision. Useful for demos and for eyeballing limiter
// behavior under load; it is not a benchmark tool.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

type admitResponse struct {
	Key               string  `json:"key"`
	Admitted          bool    `json:"admitted"`
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
}

func main() {
	var (
		target   = flag.String("target", "http://127.0.0.1:8080", "base URL of the admission server")
		rps      = flag.Float64("rps", 5, "request pacing in requests per second")
		burst    = flag.Int("burst", 1, "pacing burst")
		keys     = flag.Int("keys", 3, "number of distinct synthetic keys to rotate through")
		count    = flag.Int("count", 0, "total requests to send (0 = until interrupted)")
		duration = flag.Duration("duration", 0, "how long to run (0 = until interrupted)")
	)
	flag.Parse()

	if *rps <= 0 || *keys < 1 || *burst < 1 {
		fmt.Fprintln(os.Stderr, "rps and burst must be positive, keys must be at least 1")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	client := &http.Client{Timeout: 5 * time.Second}
	limiter := rate.NewLimiter(rate.Limit(*rps), *burst)

	var sent, admitted, denied, failed int
	for *count == 0 || sent < *count {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		sent++

		key := fmt.Sprintf("key-%02d", rand.IntN(*keys))
		resp, err := post(ctx, client, *target, key)
		if err != nil {
			failed++
			fmt.Printf("%-8s %s error: %v\n", "FAIL", key, err)
			continue
		}

		if resp.Admitted {
			admitted++
			fmt.Printf("%-8s %s\n", "ADMIT", key)
		} else {
			denied++
			fmt.Printf("%-8s %s retry in %.3fs\n", "DENY", key, resp.RetryAfterSeconds)
		}
	}

	fmt.Printf("\nsent=%d admitted=%d denied=%d failed=%d\n", sent, admitted, denied, failed)
}

func post(ctx context.Context, client *http.Client, target, key string) (*admitResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target+"/v1/admit/"+key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusTooManyRequests {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out admitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

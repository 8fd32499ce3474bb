package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"expflow/client"
	v1 "expflow/pkg/api/v1"
	"expflow/pkg/logger"

	"github.com/spf13/cobra"
)

// Metrics
var (
	activeWatchers atomic.Int64
	messagesRx     atomic.Int64
	resets         atomic.Int64
	latencySum     atomic.Int64 // milliseconds
	latencyCount   atomic.Int64
)

func main() {
	var (
		addr     string
		token    string
		totalVUs int
		rampUp   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Open many change stream watchers and report delivery latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("EXPFLOW_TOKEN")
			}
			return run(addr, token, totalVUs, rampUp)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "control plane address")
	cmd.Flags().StringVar(&token, "token", "", "access token (or EXPFLOW_TOKEN)")
	cmd.Flags().IntVarP(&totalVUs, "concurrency", "c", 2000, "total watchers")
	cmd.Flags().DurationVar(&rampUp, "ramp", 60*time.Second, "ramp up duration")

	logger.InitLogger("test")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(addr, token string, totalVUs int, rampUp time.Duration) error {
	if totalVUs < 1 {
		return fmt.Errorf("concurrency must be positive")
	}
	fmt.Printf("Starting load test\n   Target: %s\n   Watchers: %d\n   Ramp: %v\n", addr, totalVUs, rampUp)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = totalVUs
	transport.MaxConnsPerHost = totalVUs
	httpClient := &http.Client{Transport: transport}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go report(ctx)

	var wg sync.WaitGroup
	interval := rampUp / time.Duration(totalVUs)
	for i := 0; i < totalVUs && ctx.Err() == nil; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			activeWatchers.Add(1)
			defer activeWatchers.Add(-1)

			w := client.NewWatcher(addr, token,
				client.WithHTTPClient(httpClient),
				client.OnEvent(observe),
				client.OnReset(func() { resets.Add(1) }),
			)
			_ = w.Run(ctx)
		}()
		time.Sleep(interval)
	}

	fmt.Println("All watchers launched. Waiting...")
	wg.Wait()
	return nil
}

func observe(ev v1.ChangeEvent) {
	messagesRx.Add(1)
	// Filter reasonable range to avoid clock skew weirdness
	if latency := time.Since(ev.ChangedAt).Milliseconds(); latency >= 0 && latency < 10000 {
		latencySum.Add(latency)
		latencyCount.Add(1)
	}
}

func report(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs := messagesRx.Swap(0)
			latSum := latencySum.Swap(0)
			latCnt := latencyCount.Swap(0)

			avgLat := float64(0)
			if latCnt > 0 {
				avgLat = float64(latSum) / float64(latCnt)
			}

			fmt.Printf("[%s] Active: %d | Resets: %d | Msgs/s: %d | Avg Latency: %.2f ms\n",
				time.Now().Format("15:04:05"), activeWatchers.Load(), resets.Load(), msgs, avgLat)
		}
	}
}

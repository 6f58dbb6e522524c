package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"ntcore/pkg/dispatcher"
	"ntcore/pkg/nt"
	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

const convergeTimeout = 10 * time.Second

func main() {
	entries := 100
	if len(os.Args) > 1 {
		if n, err := strconv.Atoi(os.Args[1]); err == nil && n > 0 {
			entries = n
		}
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	fmt.Println("=== ntcore Replication Benchmark ===")

	server := nt.New(nt.Options{Identity: "bench-server", Logger: quiet})
	defer server.Close()
	if err := server.StartServer(context.Background(), "", "127.0.0.1", 0); err != nil {
		fmt.Printf("ERROR: server start: %v\n", err)
		return
	}
	port := server.ListenAddr().(*net.TCPAddr).Port

	client := nt.New(nt.Options{Identity: "bench-client", Logger: quiet})
	defer client.Close()
	if err := client.StartClient(context.Background(), dispatcher.ServerAddr{Host: "127.0.0.1", Port: port}); err != nil {
		fmt.Printf("ERROR: client start: %v\n", err)
		return
	}
	if !waitFor(func() bool { return len(client.Connections()) == 1 }) {
		fmt.Println("ERROR: client did not connect")
		return
	}

	// Тест 1: создание записей на клиенте, ждём их на сервере
	fmt.Printf("Test 1: Client creates (%d entries)\n", entries)
	printResult(benchmarkPropagation(client, server, "/bench/create/", entries, 1))

	// Тест 2: обновления с сервера, ждём их на клиенте
	fmt.Printf("\nTest 2: Server updates (%d entries, 10 goroutines)\n", entries)
	printResult(benchmarkPropagation(server, client, "/bench/create/", entries, 10))

	fmt.Println("\n=== Benchmark Complete ===")
}

// benchmarkPropagation writes on src and measures until dst sees each value.
func benchmarkPropagation(src, dst *nt.Instance, prefix string, totalOps, concurrency int) BenchmarkResult {
	seen := make(map[string]chan struct{}, totalOps)
	want := make(map[string]float64, totalOps)
	var mu sync.Mutex
	stamp := float64(time.Now().UnixNano())
	for i := 0; i < totalOps; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		seen[key] = make(chan struct{})
		want[key] = stamp + float64(i)
	}

	uid := dst.AddEntryListener(prefix, func(_ int, name string, v *value.Value, _ types.NotifyFlags) {
		mu.Lock()
		defer mu.Unlock()
		ch, ok := seen[name]
		if ok && v.IsDouble() && v.GetDouble() == want[name] {
			close(ch)
			delete(seen, name)
		}
	}, types.NotifyNew|types.NotifyUpdate)
	defer dst.RemoveEntryListener(uid)

	start := time.Now()
	var wg sync.WaitGroup
	latencies := make([]time.Duration, totalOps)
	ok := make([]bool, totalOps)
	for g := 0; g < concurrency; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := g; i < totalOps; i += concurrency {
				key := fmt.Sprintf("%s%d", prefix, i)
				mu.Lock()
				ch := seen[key]
				mu.Unlock()

				opStart := time.Now()
				src.ForceSetValue(key, value.Float(want[key]))
				src.Flush()
				if ch == nil {
					ok[i] = true
					continue
				}
				select {
				case <-ch:
					ok[i] = true
				case <-time.After(convergeTimeout):
				}
				latencies[i] = time.Since(opStart)
			}
		}(g)
	}
	wg.Wait()
	duration := time.Since(start)

	result := BenchmarkResult{TotalOps: totalOps, Duration: duration}
	var sum time.Duration
	for i, lat := range latencies {
		if !ok[i] {
			result.FailedOps++
			continue
		}
		result.SuccessfulOps++
		sum += lat
		if result.MinLatency == 0 || lat < result.MinLatency {
			result.MinLatency = lat
		}
		if lat > result.MaxLatency {
			result.MaxLatency = lat
		}
	}
	if result.SuccessfulOps > 0 {
		result.AvgLatency = sum / time.Duration(result.SuccessfulOps)
	}
	result.OpsPerSec = float64(result.SuccessfulOps) / duration.Seconds()
	return result
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(convergeTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}

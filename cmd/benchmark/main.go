// Benchmark tool for load testing tariff quotes.
//
// Usage:
//
//	go run ./cmd/benchmark --area desk --url http://localhost:8080
//	go run ./cmd/benchmark --rule desk-hourly --csv bookings.csv
//
// This tool:
//  1. Builds booking contexts from a CSV file or random durations
//  2. Sends each booking to tariff for a quote
//  3. Counts priced, unavailable, cached and failed quotes per branch
//  4. Reports latency percentiles and throughput
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/cowork-market/tariff/internal/domain"
)

// Metrics tracks benchmark results
type Metrics struct {
	TotalProcessed   int64
	TotalPriced      int64
	TotalUnavailable int64
	TotalCached      int64
	TotalNoRule      int64
	TotalErrors      int64

	mu        sync.Mutex
	branches  map[domain.Branch]int64
	latencies []time.Duration
}

func (m *Metrics) record(q *domain.Quote, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, elapsed)
	if q != nil {
		m.branches[q.Branch]++
	}
}

var errNoApplicableRule = errors.New("no applicable rule")

func main() {
	csvPath := pflag.String("csv", "", "CSV of bookings: hours column plus one column per override")
	baseURL := pflag.String("url", "http://localhost:8080", "tariff base URL")
	tenantID := pflag.String("tenant", "benchmark-test", "Tenant ID for requests")
	ruleID := pflag.String("rule", "", "Rule to quote")
	areaID := pflag.String("area", "", "Area to quote when no rule is given")
	count := pflag.Int("count", 10000, "Number of random bookings when no CSV is given")
	maxHours := pflag.Float64("max-hours", 720, "Longest random booking in hours")
	workers := pflag.Int("workers", 10, "Number of concurrent workers")
	verbose := pflag.Bool("verbose", false, "Print each quote")
	pflag.Parse()

	if *ruleID == "" && *areaID == "" {
		fmt.Println("Usage: benchmark (--rule ID | --area ID) [--csv bookings.csv] [--url http://localhost:8080]")
		fmt.Println("\nFlags:")
		pflag.PrintDefaults()
		os.Exit(1)
	}

	path := "/areas/" + *areaID + "/quote"
	if *ruleID != "" {
		path = "/rules/" + *ruleID + "/quote"
	}

	fmt.Println("TARIFF BENCHMARK")
	fmt.Printf("\nURL:       %s%s\n", *baseURL, path)
	fmt.Printf("Tenant ID: %s\n", *tenantID)
	fmt.Printf("Workers:   %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: tariff not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure tariff is running:")
		fmt.Println("  go run ./cmd/tariff")
		os.Exit(1)
	}
	fmt.Println("tariff is healthy")

	var bookings []domain.EvaluationContext
	if *csvPath != "" {
		var err error
		bookings, err = readBookingsCSV(*csvPath)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		bookings = randomBookings(*count, *maxHours)
	}
	fmt.Printf("Loaded %d bookings\n", len(bookings))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(bookings, *baseURL+path, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readBookingsCSV reads one booking per row. The "hours" column is the
// booking length; every other numeric column becomes a variable override.
func readBookingsCSV(path string) ([]domain.EvaluationContext, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	hoursCol := -1
	for i, col := range header {
		header[i] = strings.TrimSpace(col)
		if strings.EqualFold(header[i], "hours") {
			hoursCol = i
		}
	}
	if hoursCol < 0 {
		return nil, errors.New("missing hours column")
	}

	var bookings []domain.EvaluationContext
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		hours, err := strconv.ParseFloat(record[hoursCol], 64)
		if err != nil {
			continue
		}
		ectx := domain.EvaluationContext{BookingHours: hours}
		for i, raw := range record {
			if i == hoursCol || raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			if ectx.VariableOverrides == nil {
				ectx.VariableOverrides = make(map[string]float64)
			}
			ectx.VariableOverrides[header[i]] = v
		}
		bookings = append(bookings, ectx)
	}

	return bookings, nil
}

// randomBookings draws durations in half-hour steps so repeated lengths
// exercise the quote cache.
func randomBookings(n int, maxHours float64) []domain.EvaluationContext {
	steps := max(int(maxHours*2), 1)
	bookings := make([]domain.EvaluationContext, n)
	for i := range bookings {
		bookings[i].BookingHours = float64(rand.Intn(steps)+1) / 2
	}
	return bookings
}

func runBenchmark(bookings []domain.EvaluationContext, url, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{branches: make(map[domain.Branch]int64)}

	work := make(chan domain.EvaluationContext, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for ectx := range work {
				start := time.Now()
				quote, err := requestQuote(client, url, tenantID, ectx)
				elapsed := time.Since(start)

				atomic.AddInt64(&metrics.TotalProcessed, 1)
				metrics.record(quote, elapsed)

				switch {
				case errors.Is(err, errNoApplicableRule):
					atomic.AddInt64(&metrics.TotalNoRule, 1)
					continue
				case err != nil:
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %.1fh -> %v\n", ectx.BookingHours, err)
					}
					continue
				}

				if quote.Available {
					atomic.AddInt64(&metrics.TotalPriced, 1)
				} else {
					atomic.AddInt64(&metrics.TotalUnavailable, 1)
				}
				if quote.Cached {
					atomic.AddInt64(&metrics.TotalCached, 1)
				}

				if verbose {
					price := "unavailable"
					if quote.Price != nil {
						price = strconv.FormatFloat(*quote.Price, 'f', 2, 64)
					}
					fmt.Printf("%8.1fh | Rule: %-16s v%-3d | Branch: %-4s | Price: %12s | Cached: %v\n",
						ectx.BookingHours,
						quote.RuleID,
						quote.Version,
						quote.Branch,
						price,
						quote.Cached,
					)
				}
			}
		}()
	}

	for _, b := range bookings {
		work <- b
	}
	close(work)

	wg.Wait()

	return metrics
}

func requestQuote(client *http.Client, url, tenantID string, ectx domain.EvaluationContext) (*domain.Quote, error) {
	body, err := json.Marshal(ectx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnprocessableEntity:
		return nil, errNoApplicableRule
	default:
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var quote domain.Quote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, err
	}

	return &quote, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nQUOTES\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Priced:           %d\n", m.TotalPriced)
	fmt.Printf("   Unavailable:      %d\n", m.TotalUnavailable)
	fmt.Printf("   No Rule:          %d\n", m.TotalNoRule)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nBRANCHES\n")
	for _, b := range []domain.Branch{domain.BranchThen, domain.BranchElse, domain.BranchUnconditional, domain.BranchNoMatch} {
		fmt.Printf("   %-14s %d\n", b, m.branches[b])
	}

	if ok := m.TotalPriced + m.TotalUnavailable; ok > 0 {
		fmt.Printf("\nCACHE\n")
		fmt.Printf("   Hits:             %d / %d (%.2f%%)\n", m.TotalCached, ok, 100*float64(m.TotalCached)/float64(ok))
	}

	latencies := slices.Clone(m.latencies)
	slices.Sort(latencies)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		var total time.Duration
		for _, l := range latencies {
			total += l
		}
		avg := total / time.Duration(len(latencies))
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %v\n", avg.Round(time.Microsecond))
		fmt.Printf("   p50 Latency:      %v\n", percentile(latencies, 0.50).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:      %v\n", percentile(latencies, 0.99).Round(time.Microsecond))
		fmt.Printf("   Throughput:       %.2f quotes/sec\n", tps)
	}

	fmt.Println()
}

// Benchmark tool for measuring Kestrel against labelled transaction data.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/transactions.csv -url http://localhost:8080
//
// The CSV header must name the columns transaction_id, user_id, amount,
// merchant_category, country, channel, timestamp and is_fraud. The tool:
//  1. Trains Kestrel on the first part of the file
//  2. Scores the remaining rows through POST /score
//  3. Compares each isFlagged verdict with the fraud label
//  4. Reports a confusion matrix with precision, recall and F1
package main

import (
	"bytes"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Row is one labelled transaction from the CSV.
type Row struct {
	Tx      domain.Transaction
	IsFraud bool
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Non-fraud flagged
	TrueNegatives  int64 // Non-fraud passed
	FalseNegatives int64 // Fraud passed (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum rows to read (0 = all)")
	trainShare := flag.Float64("train", 0.7, "Share of rows used for training (0.0-1.0)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	rebase := flag.Bool("rebase", true, "Shift timestamps so the newest row is one minute old")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" || *trainShare <= 0 || *trainShare >= 1 {
		fmt.Println("Usage: benchmark -csv /path/to/transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              KESTREL BENCHMARK - Labelled Scoring             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:     %s\n", *csvPath)
	fmt.Printf("Kestrel URL:  %s\n", *baseURL)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Limit:        %d\n", *limit)
	fmt.Printf("Train Share:  %.2f\n", *trainShare)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	rows, err := readCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(rows) < 2 {
		fmt.Println("ERROR: need at least two rows")
		os.Exit(1)
	}
	if *rebase {
		rebaseTimestamps(rows, time.Now().UTC().Add(-time.Minute))
	}
	fmt.Printf("✓ Loaded %d transactions\n", len(rows))

	split := int(float64(len(rows)) * *trainShare)
	split = max(1, min(split, len(rows)-1))
	train, test := rows[:split], rows[split:]

	start := time.Now()
	meta, err := trainModel(*baseURL, train)
	if err != nil {
		fmt.Printf("ERROR: training failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Trained model %s on %d rows in %v\n", meta.ID, meta.SamplesUsed, time.Since(start).Round(time.Millisecond))

	fmt.Printf("\nScoring %d rows with %d workers...\n", len(test), *workers)
	startTime := time.Now()
	metrics := runBenchmark(test, *baseURL, *workers, *verbose)
	printResults(metrics, time.Since(startTime))
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

func readCSV(path string, limit int) ([]Row, error) {
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

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range []string{"transaction_id", "user_id", "amount", "merchant_category", "country", "channel", "timestamp", "is_fraud"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, err := strconv.ParseFloat(record[colIndex["amount"]], 64)
		if err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, record[colIndex["timestamp"]])
		if err != nil {
			continue
		}
		label := record[colIndex["is_fraud"]]
		isFraud := label == "1" || strings.EqualFold(label, "true")

		rows = append(rows, Row{
			Tx: domain.Transaction{
				TransactionID:    record[colIndex["transaction_id"]],
				UserID:           record[colIndex["user_id"]],
				Amount:           amount,
				MerchantCategory: record[colIndex["merchant_category"]],
				Country:          record[colIndex["country"]],
				Channel:          domain.Channel(strings.ToUpper(record[colIndex["channel"]])),
				Timestamp:        ts.UTC(),
				IsFraud:          &isFraud,
			},
			IsFraud: isFraud,
		})

		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	return rows, nil
}

// rebaseTimestamps shifts every row by the same offset so the newest row
// lands on newest, keeping relative gaps intact.
func rebaseTimestamps(rows []Row, newest time.Time) {
	latest := rows[0].Tx.Timestamp
	for _, r := range rows[1:] {
		if r.Tx.Timestamp.After(latest) {
			latest = r.Tx.Timestamp
		}
	}
	shift := newest.Sub(latest)
	for i := range rows {
		rows[i].Tx.Timestamp = rows[i].Tx.Timestamp.Add(shift)
	}
}

func trainModel(baseURL string, rows []Row) (*domain.ModelMetadata, error) {
	txs := make([]domain.Transaction, len(rows))
	for i, r := range rows {
		txs[i] = r.Tx
	}

	var meta domain.ModelMetadata
	client := &http.Client{Timeout: 5 * time.Minute}
	if err := postJSON(client, baseURL+"/model/train", map[string]any{"transactions": txs}, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func runBenchmark(rows []Row, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan Row, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for row := range work {
				start := time.Now()
				result, err := scoreTransaction(client, baseURL, row.Tx)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", row.Tx.TransactionID, err)
					}
					continue
				}

				if row.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				predicted := result.IsFlagged
				actual := row.IsFraud

				switch {
				case predicted && actual:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !actual:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if predicted != actual {
						status = "✗"
					}
					fmt.Printf("%s %-12s | %-6s | Amount: %12.2f | Fraud: %-5v | Score: %.3f (%s)\n",
						status,
						row.Tx.TransactionID,
						row.Tx.Channel,
						row.Tx.Amount,
						actual,
						result.RiskScore,
						result.RiskLevel,
					)
				}
			}
		}()
	}

	for _, row := range rows {
		work <- row
	}
	close(work)

	wg.Wait()

	return metrics
}

func scoreTransaction(client *http.Client, baseURL string, tx domain.Transaction) (*domain.ScoreResult, error) {
	amount := tx.Amount
	in := domain.TransactionInput{
		TransactionID:    tx.TransactionID,
		UserID:           tx.UserID,
		Amount:           &amount,
		MerchantCategory: tx.MerchantCategory,
		Country:          tx.Country,
		Channel:          tx.Channel,
		Timestamp:        tx.Timestamp.Format(time.RFC3339Nano),
	}

	var result domain.ScoreResult
	if err := postJSON(client, baseURL+"/score", in, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func postJSON(client *http.Client, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX (flag threshold %.1f)\n", domain.FlagThreshold)
	fmt.Println("                        Predicted")
	fmt.Println("                  FLAGGED     PASSED")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Println()
}

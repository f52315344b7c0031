// Benchmark tool that replays salon visit history against a running
// loyalty engine.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/visits.csv -url http://localhost:8080
//
// This tool:
//   1. Reads a visit log CSV (customer_id, branch_id, employee_id, visit_date)
//   2. Records and approves each visit through the API
//   3. Grants the loyalty discount whenever the engine reports eligibility
//   4. Reports duplicate rejections, grants, latency and throughput
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// VisitRow represents a row from the visit log.
type VisitRow struct {
	CustomerID string
	BranchID   string
	EmployeeID string
	VisitDate  time.Time
}

// VisitRequest is the loyalty API request format.
type VisitRequest struct {
	CustomerID string     `json:"customerId"`
	BranchID   string     `json:"branchId"`
	EmployeeID string     `json:"employeeId"`
	VisitDate  *time.Time `json:"visitDate,omitempty"`
}

// GrantRequest is the discount grant request format.
type GrantRequest struct {
	CustomerID     string  `json:"customerId"`
	EmployeeID     string  `json:"employeeId"`
	BranchID       string  `json:"branchId,omitempty"`
	OriginalAmount float64 `json:"originalAmount"`
}

// VisitResponse is the relevant slice of the record-visit response.
type VisitResponse struct {
	Visit struct {
		ID string `json:"id"`
	} `json:"visit"`
	Eligibility struct {
		IsEligibleForDiscount bool `json:"isEligibleForDiscount"`
	} `json:"eligibility"`
}

// EligibilityResponse is the relevant slice of the eligibility endpoint.
type EligibilityResponse struct {
	Eligibility struct {
		IsEligibleForDiscount bool   `json:"isEligibleForDiscount"`
		VisitsInCycle         int    `json:"visitsInCycle"`
		Milestone             string `json:"milestone"`
	} `json:"eligibility"`
}

// Metrics tracks replay results.
type Metrics struct {
	VisitsRecorded  int64
	VisitsApproved  int64
	Duplicates      int64 // Same-day rejections (409)
	GrantsIssued    int64
	GrantConflicts  int64 // Cycle already consumed (409/422)
	TotalErrors     int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to visit log CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Loyalty engine base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum visits to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	amount := flag.Float64("amount", 250.0, "Service amount used for grants")
	verbose := flag.Bool("verbose", false, "Print each visit result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/visits.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("===============================================================")
	fmt.Println("          LOYALTY BENCHMARK - Visit Log Replay")
	fmt.Println("===============================================================")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Engine URL:  %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	// Check the engine is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: engine not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure loyaltyd is running:")
		fmt.Println("  go run cmd/loyaltyd/main.go")
		os.Exit(1)
	}
	fmt.Println("engine is healthy")

	// Read visit log
	fmt.Printf("\nReading visit log from %s...\n", *csvPath)
	visits, err := readVisitCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("loaded %d visits\n", len(visits))

	customers := map[string]struct{}{}
	for _, v := range visits {
		customers[v.CustomerID] = struct{}{}
	}
	fmt.Printf("  - Customers: %d\n", len(customers))

	// Replay. Visits for one customer must land in order, so work is
	// sharded by customer rather than fanned out per row.
	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runReplay(visits, *baseURL, *tenantID, *workers, *amount, *verbose)
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

func readVisitCSV(path string, limit int) ([]VisitRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"customer_id", "branch_id", "employee_id", "visit_date"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var visits []VisitRow

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		visitDate, err := time.Parse(time.RFC3339, record[colIndex["visit_date"]])
		if err != nil {
			// Date-only logs are common
			visitDate, err = time.Parse("2006-01-02", record[colIndex["visit_date"]])
			if err != nil {
				continue
			}
		}

		visits = append(visits, VisitRow{
			CustomerID: record[colIndex["customer_id"]],
			BranchID:   record[colIndex["branch_id"]],
			EmployeeID: record[colIndex["employee_id"]],
			VisitDate:  visitDate.UTC(),
		})

		if limit > 0 && len(visits) >= limit {
			break
		}
	}

	return visits, nil
}

func runReplay(visits []VisitRow, baseURL, tenantID string, numWorkers int, amount float64, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Shard by customer to preserve per-customer ordering.
	shards := make([]chan VisitRow, numWorkers)
	for i := range shards {
		shards[i] = make(chan VisitRow, 100)
	}
	shardFor := func(customerID string) int {
		h := 0
		for _, c := range customerID {
			h = h*31 + int(c)
		}
		if h < 0 {
			h = -h
		}
		return h % numWorkers
	}

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(work chan VisitRow) {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for v := range work {
				start := time.Now()
				err := replayVisit(client, baseURL, tenantID, v, amount, metrics, verbose)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s @ %s -> %v\n", v.CustomerID, v.VisitDate.Format("2006-01-02"), err)
					}
				}
			}
		}(shards[i])
	}

	for _, v := range visits {
		shards[shardFor(v.CustomerID)] <- v
	}
	for _, ch := range shards {
		close(ch)
	}

	wg.Wait()

	return metrics
}

// replayVisit records and approves one visit, then grants the discount
// if the engine reports the customer became eligible.
func replayVisit(client *http.Client, baseURL, tenantID string, v VisitRow, amount float64, metrics *Metrics, verbose bool) error {
	visitResp, status, err := postJSON[VisitResponse](client, baseURL+"/visits", tenantID, VisitRequest{
		CustomerID: v.CustomerID,
		BranchID:   v.BranchID,
		EmployeeID: v.EmployeeID,
		VisitDate:  &v.VisitDate,
	})
	if err != nil {
		return err
	}

	switch status {
	case http.StatusCreated:
		atomic.AddInt64(&metrics.VisitsRecorded, 1)
	case http.StatusConflict:
		atomic.AddInt64(&metrics.Duplicates, 1)
		return nil
	default:
		return fmt.Errorf("record visit: status %d", status)
	}

	_, status, err = postJSON[struct{}](client, baseURL+"/visits/"+visitResp.Visit.ID+"/status", tenantID, map[string]string{
		"status": "approved",
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("approve visit: status %d", status)
	}
	atomic.AddInt64(&metrics.VisitsApproved, 1)

	elig, status, err := getJSON[EligibilityResponse](client, baseURL+"/customers/"+v.CustomerID+"/eligibility", tenantID)
	if err != nil || status != http.StatusOK {
		return err
	}

	if verbose {
		fmt.Printf("%s | %s | visits: %d | milestone: %-12s\n",
			v.CustomerID,
			v.VisitDate.Format("2006-01-02"),
			elig.Eligibility.VisitsInCycle,
			elig.Eligibility.Milestone,
		)
	}

	if !elig.Eligibility.IsEligibleForDiscount {
		return nil
	}

	_, status, err = postJSON[struct{}](client, baseURL+"/discounts", tenantID, GrantRequest{
		CustomerID:     v.CustomerID,
		EmployeeID:     v.EmployeeID,
		BranchID:       v.BranchID,
		OriginalAmount: amount,
	})
	if err != nil {
		return err
	}

	switch status {
	case http.StatusCreated:
		atomic.AddInt64(&metrics.GrantsIssued, 1)
	case http.StatusConflict, http.StatusUnprocessableEntity:
		atomic.AddInt64(&metrics.GrantConflicts, 1)
	default:
		return fmt.Errorf("grant discount: status %d", status)
	}

	return nil
}

func postJSON[T any](client *http.Client, url, tenantID string, body any) (*T, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var result T
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && err != io.EOF {
		return nil, resp.StatusCode, nil
	}
	return &result, resp.StatusCode, nil
}

func getJSON[T any](client *http.Client, url, tenantID string) (*T, int, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var result T
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, nil
	}
	return &result, resp.StatusCode, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n===============================================================")
	fmt.Println("                      REPLAY RESULTS")
	fmt.Println("===============================================================")

	fmt.Printf("\nVISIT LEDGER\n")
	fmt.Printf("   Visits Recorded:   %d\n", m.VisitsRecorded)
	fmt.Printf("   Visits Approved:   %d\n", m.VisitsApproved)
	fmt.Printf("   Same-Day Rejects:  %d\n", m.Duplicates)
	fmt.Printf("   Errors:            %d\n", m.TotalErrors)

	fmt.Printf("\nDISCOUNTS\n")
	fmt.Printf("   Grants Issued:     %d\n", m.GrantsIssued)
	fmt.Printf("   Grant Conflicts:   %d\n", m.GrantConflicts)
	if m.VisitsApproved > 0 {
		grantRate := float64(m.GrantsIssued) / float64(m.VisitsApproved) * 100
		fmt.Printf("   Grants per Visit:  %.2f%%\n", grantRate)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	total := m.VisitsRecorded + m.Duplicates
	if total > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(total)
		vps := float64(total) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f visits/sec\n", vps)
	}

	fmt.Println()
}

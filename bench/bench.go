// Package bench loads a running node's API with concurrent issuances and
// checks each issued car can be queried back.
package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dbogatov/car-ledger/helpers"
	"github.com/op/go-logging"
	"golang.org/x/sync/semaphore"
)

var logger = logging.MustGetLogger("bench")

// SetLogger ...
func SetLogger(l *logging.Logger) {
	logger = l
}

// Summary ...
type Summary struct {
	Issued   int
	Failed   int
	Verified int
	Elapsed  time.Duration
}

type issueResult struct {
	vin string
	err error
}

// StartRequests posts runs issuances to the API at baseURL, at most concurrent at
// a time, then queries every issued VIN.
func StartRequests(ctx context.Context, baseURL string, runs, concurrent int) (summary Summary, e error) {

	if runs <= 0 || concurrent <= 0 {
		return summary, fmt.Errorf("runs and concurrency must be positive, got %d and %d", runs, concurrent)
	}

	client := &http.Client{Timeout: time.Minute}

	prg := helpers.NewRand()
	vins := make([]string, runs)
	for i := range vins {
		vins[i] = helpers.RandomString(prg, 17)
	}

	var wgRequest sync.WaitGroup
	results := make(chan issueResult, runs)
	sem := semaphore.NewWeighted(int64(concurrent))

	logger.Noticef("Starting... (%d runs, %d concurrent)", runs, concurrent)
	start := time.Now()

	for i := 0; i < runs; i++ {
		if e = sem.Acquire(ctx, 1); e != nil {
			break
		}
		wgRequest.Add(1)

		go func(vin string) {
			defer wgRequest.Done()
			defer sem.Release(1)

			txID, e := issue(ctx, client, baseURL, vin)
			results <- issueResult{vin: vin, err: e}
			logger.Debugf("Issuance of %s answered with %q", vin, txID)
		}(vins[i])
	}

	wgRequest.Wait()
	close(results)

	summary.Elapsed = time.Since(start)
	logger.Noticef("Requests completed in %d ms (%.1f requests per second).", summary.Elapsed.Milliseconds(), float64(runs)/summary.Elapsed.Seconds())

	if e != nil {
		return summary, e
	}

	issued := make([]string, 0, runs)
	for result := range results {
		if result.err != nil {
			logger.Warningf("issuance of %s failed: %v", result.vin, result.err)
			summary.Failed++
			continue
		}
		summary.Issued++
		issued = append(issued, result.vin)
	}

	logger.Notice("Verifying all issued cars...")

	for _, vin := range issued {
		found, e := query(ctx, client, baseURL, vin)
		if e != nil {
			return summary, e
		}
		if found != 1 {
			return summary, fmt.Errorf("car %s: %d matches, want 1", vin, found)
		}
		summary.Verified++
	}

	logger.Noticef("Done. %d issued, %d failed, %d verified.", summary.Issued, summary.Failed, summary.Verified)

	return
}

func issue(ctx context.Context, client *http.Client, baseURL, vin string) (string, error) {

	body, e := json.Marshal(map[string]string{
		"vin":                vin,
		"licensePlateNumber": vin[:7],
		"make":               "Bench",
		"model":              "Load",
		"dealershipLocation": "Bench-Yard",
	})
	if e != nil {
		return "", e
	}

	request, e := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/issue", bytes.NewBuffer(body))
	if e != nil {
		return "", e
	}
	request.Header.Set("content-type", "application/json")

	response, e := client.Do(request)
	if e != nil {
		return "", e
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(response.Body)
	if response.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("status %d: %s", response.StatusCode, bytes.TrimSpace(raw))
	}

	var created struct {
		TxID string `json:"tx_id"`
	}
	if e = json.Unmarshal(raw, &created); e != nil {
		return "", fmt.Errorf("decode issue response: %w", e)
	}
	return created.TxID, nil
}

func query(ctx context.Context, client *http.Client, baseURL, vin string) (int, error) {

	request, e := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/query?vin="+url.QueryEscape(vin), nil)
	if e != nil {
		return 0, e
	}

	response, e := client.Do(request)
	if e != nil {
		return 0, e
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("query %s: status %d", vin, response.StatusCode)
	}

	var cars []json.RawMessage
	if e = json.NewDecoder(response.Body).Decode(&cars); e != nil {
		return 0, fmt.Errorf("decode query response: %w", e)
	}
	return len(cars), nil
}

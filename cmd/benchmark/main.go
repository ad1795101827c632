package main

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgergate/internal/auth"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	siwaDomain  string
)

// Metrics
var (
	totalRequests uint64
	success201    uint64 // Included
	pending202    uint64 // Sent, not yet included
	fail402       uint64 // Payment challenges and rejections
	fail429       uint64 // Cooldown or rate limited
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot | replay")
	flag.StringVar(&siwaDomain, "siwa-domain", "api.ledgergate.local", "SIWA domain the server expects")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	hot, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, hot)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, hot *ecdsa.PrivateKey) {
	defer wg.Done()
	client := &http.Client{Timeout: 3 * time.Minute}
	replayed := syntheticProof(crypto.PubkeyToAddress(hot.PublicKey).Hex())

	for time.Since(start) < duration {
		agent := pickAgent(hot)
		addr := crypto.PubkeyToAddress(agent.PublicKey).Hex()

		proof := syntheticProof(addr)
		if workload == "replay" {
			proof = replayed
		}

		body, _ := json.Marshal(map[string]string{
			"name":      fmt.Sprintf("bench-%d", rand.Intn(1_000_000)),
			"framework": "custom",
		})
		req, _ := http.NewRequest("POST", targetURL+"/api/v1/actions", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", bearer(agent, addr))
		req.Header.Set("X-PAYMENT", proof)
		req.Header.Set("X-Request-ID", uuid.NewString())

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 202:
			atomic.AddUint64(&pending202, 1)
		case 402:
			atomic.AddUint64(&fail402, 1)
		case 429:
			atomic.AddUint64(&fail429, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickAgent(hot *ecdsa.PrivateKey) *ecdsa.PrivateKey {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic comes from one agent and hits its cooldown
		if rand.Float32() < 0.90 {
			return hot
		}
	}
	if workload == "replay" {
		return hot
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return hot
	}
	return key
}

func bearer(key *ecdsa.PrivateKey, addr string) string {
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := crypto.Sign(accounts.TextHash([]byte(auth.Message(siwaDomain, addr, stamp))), key)
	if err != nil {
		return ""
	}
	sig[64] += 27
	return "Bearer " + addr + ":" + stamp + ":" + hexutil.Encode(sig)
}

// syntheticProof builds a well-formed but unsigned exact-scheme payload with a
// fresh nonce. A real facilitator rejects it; a test facilitator may not.
func syntheticProof(from string) string {
	nonce := make([]byte, 32)
	rand.Read(nonce)
	payload := map[string]any{
		"x402Version": 1,
		"scheme":      "exact",
		"network":     "base",
		"payload": map[string]any{
			"signature": "0x",
			"authorization": map[string]string{
				"from":        from,
				"to":          "0x0000000000000000000000000000000000000000",
				"value":       "1000000",
				"validAfter":  "0",
				"validBefore": strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
				"nonce":       hexutil.Encode(nonce),
			},
		},
	}
	b, _ := json.Marshal(payload)
	return base64.StdEncoding.EncodeToString(b)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	p202 := atomic.LoadUint64(&pending202)
	f402 := atomic.LoadUint64(&fail402)
	f429 := atomic.LoadUint64(&fail429)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	throttleRate := 0.0
	if total > 0 {
		throttleRate = float64(f429) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_included":  s201,
		"success_pending":   p202,
		"payment_rejected":  f402,
		"throttled":         f429,
		"throttle_rate_pct": throttleRate,
		"errors":            fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}

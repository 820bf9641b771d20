// Breakercheck walks the data layer through an upstream outage and checks
// the circuit breaker and cache behave: data is served, failures trip the
// breaker, cached data survives the outage and the breaker recovers.
//
// Run it against the service wired to scripts/fakepeer:
//
//	go run ./scripts/breakercheck -api http://localhost:8081 -peer http://localhost:8080
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
)

type health struct {
	Status   string `json:"status"`
	Upstream struct {
		Breaker struct {
			State    string `json:"state"`
			Status   string `json:"status"`
			Failures int    `json:"failures"`
			Cooldown string `json:"cooldown"`
		} `json:"circuit_breaker"`
	} `json:"upstream"`
}

func main() {
	var (
		apiURL    = flag.String("api", "http://localhost:8081", "data layer URL")
		peerURL   = flag.String("peer", "http://localhost:8080", "fake peer URL")
		symbol    = flag.String("symbol", "ABC", "symbol to warm the cache with")
		requests  = flag.Int("requests", 6, "uncached requests to send during the outage")
		waitRecov = flag.Bool("wait-recovery", false, "wait out the breaker cooldown and check recovery")
	)
	flag.Parse()

	client := &http.Client{Timeout: 2 * time.Minute}

	fmt.Println(colorCyan + "━━━ CIRCUIT BREAKER CHECK ━━━" + colorReset)
	fmt.Println()

	fmt.Println(colorBlue + "━━━ PHASE 1: Normal Operation ━━━" + colorReset)
	setMode(client, *peerURL, "ok")

	code, source := candles(client, *apiURL, *symbol)
	if code != http.StatusOK {
		fmt.Printf(colorRed+"  ✗ Expected 200, got %d. Is the service running?\n"+colorReset, code)
		os.Exit(1)
	}
	fmt.Printf(colorGreen+"  ✓ %s served from %s\n"+colorReset, *symbol, source)

	_, source = candles(client, *apiURL, *symbol)
	fmt.Printf("  Second read served from %s\n", source)
	fmt.Println()

	fmt.Println(colorBlue + "━━━ PHASE 2: Upstream Outage ━━━" + colorReset)
	setMode(client, *peerURL, "500")

	unavailable := 0
	for i := 0; i < *requests; i++ {
		sym := fmt.Sprintf("OUT%d", i)
		start := time.Now()
		code, _ := candles(client, *apiURL, sym)
		fmt.Printf("  %s → %d (took %v)\n", sym, code, time.Since(start).Round(time.Millisecond))
		if code == http.StatusServiceUnavailable {
			unavailable++
		}
	}
	fmt.Printf("\n  Results: %d/%d answered 503\n", unavailable, *requests)

	h, err := getHealth(client, *apiURL)
	if err != nil {
		fmt.Printf(colorYellow+"  Could not read /api/health: %v\n"+colorReset, err)
	} else if h.Upstream.Breaker.State == "OPEN" {
		fmt.Printf(colorGreen+"  ✓ Breaker is %s\n"+colorReset, h.Upstream.Breaker.Status)
	} else {
		fmt.Printf(colorRed+"  ✗ Breaker is %s with %d failures\n"+colorReset, h.Upstream.Breaker.State, h.Upstream.Breaker.Failures)
	}
	fmt.Println()

	fmt.Println(colorBlue + "━━━ PHASE 3: Cached Data During Outage ━━━" + colorReset)
	code, source = candles(client, *apiURL, *symbol)
	if code == http.StatusOK {
		fmt.Printf(colorGreen+"  ✓ %s still served from %s\n"+colorReset, *symbol, source)
	} else {
		fmt.Printf(colorYellow+"  ⚠ %s answered %d (cache entry may have expired)\n"+colorReset, *symbol, code)
	}
	fmt.Println()

	setMode(client, *peerURL, "ok")

	if *waitRecov && h != nil {
		fmt.Println(colorBlue + "━━━ PHASE 4: Recovery ━━━" + colorReset)
		cooldown, _ := time.ParseDuration(h.Upstream.Breaker.Cooldown)
		fmt.Printf("  Waiting %v for the cooldown...\n", cooldown+time.Second)
		time.Sleep(cooldown + time.Second)

		code, _ = candles(client, *apiURL, "RECOVER")
		h, err = getHealth(client, *apiURL)
		if code == http.StatusOK && err == nil && h.Upstream.Breaker.State == "CLOSED" {
			fmt.Println(colorGreen + "  ✓ Probe succeeded and the breaker closed" + colorReset)
		} else {
			fmt.Printf(colorRed+"  ✗ Probe answered %d\n"+colorReset, code)
		}
		fmt.Println()
	}

	fmt.Println("Check the service logs for retry and breaker transitions.")
}

func setMode(client *http.Client, peerURL, mode string) {
	resp, err := client.Get(peerURL + "/control/upstream?mode=" + mode)
	if err != nil {
		fmt.Printf(colorYellow+"  Could not switch upstream to %s: %v\n"+colorReset, mode, err)
		return
	}
	resp.Body.Close()
	fmt.Printf("  Upstream mode: %s\n", mode)
}

func candles(client *http.Client, apiURL, symbol string) (int, string) {
	resp, err := client.Get(apiURL + "/api/candles/" + symbol + "?timeframe=1m")
	if err != nil {
		return 0, ""
	}
	defer resp.Body.Close()

	var body struct {
		Source string `json:"source"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body.Source
}

func getHealth(client *http.Client, apiURL string) (*health, error) {
	resp, err := client.Get(apiURL + "/api/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var h health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}

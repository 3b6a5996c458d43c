// Command fake-generator is a local stand-in for the newsletter
// generation service. It verifies request signatures, answers every
// generate call with a canned issue, and can inject failures to
// exercise the worker's retry path.
//
//	SECRET=dev FAIL_EVERY=3 go run ./tools/fake-generator
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/letterpressd/letterpress/internal/worker"
)

type generateRequest struct {
	JobID     string          `json:"job_id"`
	Attempt   int             `json:"attempt"`
	Payload   json.RawMessage `json:"payload"`
	Recipient string          `json:"recipient,omitempty"`
}

type generateResponse struct {
	ResultRef string `json:"result_ref"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

type seen struct {
	Timestamp string `json:"timestamp"`
	JobID     string `json:"job_id"`
	Attempt   int    `json:"attempt"`
	Failed    bool   `json:"failed"`
}

type stats struct {
	Count    int64  `json:"count"`
	Failed   int64  `json:"failed"`
	LastSeen []seen `json:"last_seen"`
	Since    string `json:"since"`
}

var (
	mu        sync.Mutex
	count     int64
	failed    int64
	lastSeen  []seen
	since     time.Time
	maxStored = 50

	secret    string
	failEvery int64
)

func main() {
	since = time.Now().UTC()
	secret = os.Getenv("SECRET")

	addr := ":9000"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	if v := os.Getenv("FAIL_EVERY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			log.Fatalf("invalid FAIL_EVERY %q", v)
		}
		failEvery = n
	}

	http.HandleFunc("/generate", generateHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		failed = 0
		lastSeen = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("fake-generator listening on %s (fail_every=%d, signed=%t)", addr, failEvery, secret != "")
	log.Fatal(http.ListenAndServe(addr, nil))
}

func generateHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if secret != "" {
		sig := r.Header.Get("X-Letterpress-Signature")
		if !worker.VerifySignature(secret, body, sig) {
			log.Printf("generate rejected: bad signature (job_id=%s)", r.Header.Get("X-Letterpress-Job-ID"))
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
	}

	var req generateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad request body", http.StatusUnprocessableEntity)
		return
	}

	mu.Lock()
	count++
	current := count
	inject := failEvery > 0 && current%failEvery == 0
	if inject {
		failed++
	}
	lastSeen = append(lastSeen, seen{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		JobID:     req.JobID,
		Attempt:   req.Attempt,
		Failed:    inject,
	})
	if len(lastSeen) > maxStored {
		lastSeen = lastSeen[len(lastSeen)-maxStored:]
	}
	mu.Unlock()

	if inject {
		log.Printf("generate #%d: injected failure (job_id=%s, attempt=%d)", current, req.JobID, req.Attempt)
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}

	log.Printf("generate #%d: job_id=%s attempt=%d recipient=%q", current, req.JobID, req.Attempt, req.Recipient)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(generateResponse{
		ResultRef: fmt.Sprintf("fake://issue/%s/%d", req.JobID, req.Attempt),
		Subject:   fmt.Sprintf("Test issue #%d", current),
		Body:      "<html><body><h1>Test issue</h1><p>Generated by fake-generator.</p></body></html>",
	})
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:    count,
		Failed:   failed,
		LastSeen: lastSeen,
		Since:    since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

package main

import (
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/austindbirch/integration_builder/internal/logging"
)

// receiver is a local webhook target for manual runs: it can fail the first
// N requests, demand a bearer token or API key and respond slowly.
type receiver struct {
	failFirstN  int64
	bearer      string
	apiKeyName  string
	apiKey      string
	delay       time.Duration
	statusOnErr int
	count       atomic.Int64
	log         *logging.Logger
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func fromEnv(log *logging.Logger) *receiver {
	r := &receiver{
		failFirstN:  int64(getenvInt("FAIL_FIRST_N", 0)),
		bearer:      os.Getenv("EXPECT_BEARER"),
		apiKeyName:  os.Getenv("EXPECT_API_KEY_HEADER"),
		apiKey:      os.Getenv("EXPECT_API_KEY"),
		statusOnErr: getenvInt("FAIL_STATUS", http.StatusInternalServerError),
		log:         log,
	}
	if v := os.Getenv("RESPONSE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			r.delay = d
		}
	}
	if r.apiKey != "" && r.apiKeyName == "" {
		r.apiKeyName = "X-API-Key"
	}
	return r
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rc.handleHook)
	mux.HandleFunc("/hook/", rc.handleHook)
	return mux
}

func main() {
	log := logging.New("fake-receiver")
	rc := fromEnv(log)

	addr := ":" + strconv.Itoa(getenvInt("PORT", 8081))
	log.Plain().WithFields(map[string]any{
		"addr":         addr,
		"fail_first_n": rc.failFirstN,
		"delay":        rc.delay.String(),
	}).Info("fake-receiver listening")
	if err := http.ListenAndServe(addr, rc.routes()); err != nil {
		log.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.count.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	entry := rc.log.WithFields(map[string]any{
		"request": n,
		"method":  r.Method,
		"path":    r.URL.Path,
		"body":    truncate(string(b), 160),
	})

	if ok, msg := rc.authorized(r); !ok {
		entry.WithField("reason", msg).Warn("rejected")
		http.Error(w, msg, http.StatusUnauthorized)
		return
	}

	if rc.delay > 0 {
		select {
		case <-time.After(rc.delay):
		case <-r.Context().Done():
			entry.Warn("client gave up during delay")
			return
		}
	}

	// first N requests fail
	if n <= rc.failFirstN {
		entry.Infof("FAILING (%d/%d)", n, rc.failFirstN)
		http.Error(w, "temporary failure", rc.statusOnErr)
		return
	}

	entry.Info("OK")
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"received":%d}`, n)
}

func (rc *receiver) authorized(r *http.Request) (bool, string) {
	if rc.bearer != "" {
		got, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found {
			return false, "missing bearer token"
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(rc.bearer)) != 1 {
			return false, "bearer token mismatch"
		}
	}
	if rc.apiKey != "" {
		got := r.Header.Get(rc.apiKeyName)
		if got == "" {
			return false, "missing " + rc.apiKeyName
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(rc.apiKey)) != 1 {
			return false, rc.apiKeyName + " mismatch"
		}
	}
	return true, ""
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

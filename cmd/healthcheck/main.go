package main

import (
	"net/http"
	"os"
)

// The container healthcheck gates on readiness rather than liveness: the
// relay should not be routed traffic before the first fleet snapshot is
// published or while the poller is degraded.
func main() {
	if !probe(os.Getenv("HEALTH_URL")) {
		os.Exit(1)
	}
}

func probe(url string) bool {
	if url == "" {
		url = "http://localhost:9091/ready"
	}
	resp, err := http.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

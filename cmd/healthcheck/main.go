// Command healthcheck probes the local trackerbot /healthz endpoint and exits
// non-zero when it does not answer 200. It is meant for container HEALTHCHECK.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	os.Exit(probe(context.Background(), healthURL(os.Getenv("HTTP_ADDR"))))
}

// healthURL maps a listen address such as ":8080" or "0.0.0.0:9000" onto a
// loopback URL.
func healthURL(addr string) string {
	if addr == "" {
		addr = ":8080"
	}
	host, port := "localhost", strings.TrimPrefix(addr, ":")
	if i := strings.LastIndex(addr, ":"); i > 0 {
		if h := addr[:i]; h != "0.0.0.0" && h != "[::]" {
			host = h
		}
		port = addr[i+1:]
	}
	return "http://" + host + ":" + port + "/healthz"
}

func probe(ctx context.Context, url string) int {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 1
	}
	resp, err := client.Do(req)
	if err != nil {
		return 1
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

package util

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// DoOK executes a pre-built HTTP request and returns the response if it has a 200 status.
// On any other status the body is drained (up to 512 bytes kept for the error) and closed.
// The caller owns closing the returned body.
func DoOK(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http %s %s: %w", req.Method, req.URL.String(), err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("bad status '%s' for %s %s: %s", resp.Status, req.Method, req.URL.String(), string(bodyBytes))
	}
	return resp, nil
}

// DefaultHTTPClient creates a default http.Client with a reasonable timeout.
func DefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 120 * time.Second}
}

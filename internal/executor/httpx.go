package executor

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxBodyBytes caps how much of an HTTP response is kept.
const maxBodyBytes = 64 * 1024

// readBody reads at most maxBodyBytes of the response.
func readBody(resp *http.Response) (string, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	return string(data), nil
}

// statusError classifies an HTTP status: 4xx is permanent, 5xx is transient,
// anything below 400 is not an error.
func statusError(method, url string, resp *http.Response, body string) error {
	if resp.StatusCode < 400 {
		return nil
	}
	snippet := strings.TrimSpace(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	err := fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, snippet)
	if resp.StatusCode < 500 {
		return Permanent(err)
	}
	return err
}

package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var errNoURL = errors.New("http probe needs a URL")

// HTTPChecker passes when check.HTTP answers with a 2xx status. Redirects
// are not followed and count as not ready.
type HTTPChecker struct {
	client *http.Client
}

func NewHTTPChecker() *HTTPChecker {
	return &HTTPChecker{
		client: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				// Probes only ever target loopback children.
				Proxy:             nil,
				DisableKeepAlives: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (h *HTTPChecker) Check(ctx context.Context, check *Check) (Status, string, error) {
	if check.HTTP == "" {
		return StatusCritical, "no URL to probe", errNoURL
	}
	if check.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, check.Timeout)
		defer cancel()
	}

	method := check.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, check.HTTP, nil)
	if err != nil {
		return StatusCritical, "invalid probe request", err
	}
	for k, v := range check.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "poshost-readiness/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return StatusCritical, fmt.Sprintf("%s unreachable: %v", check.HTTP, err), err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	output := fmt.Sprintf("%s answered HTTP %d", check.HTTP, resp.StatusCode)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return StatusPassing, output, nil
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return StatusWarning, output, nil
	default:
		return StatusCritical, output, fmt.Errorf("readiness endpoint returned %d", resp.StatusCode)
	}
}

// Package webcheck performs bare website reachability checks that do not go
// through any transport.
package webcheck

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ghostshell/app/canary/common"
)

// Checker reports whether a website answers at all.
type Checker interface {
	Check(ctx context.Context, test common.WebTest) (bool, error)
}

// HTTPChecker issues a GET and treats any HTTP response as reachable.
type HTTPChecker struct {
	Timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

// New creates an HTTPChecker.
func New(timeout time.Duration, logger *zap.Logger) *HTTPChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = common.DefaultWebTimeout
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DisableKeepAlives:   true,
		MaxIdleConnsPerHost: 1,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		// A redirect is already proof of reachability.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &HTTPChecker{Timeout: timeout, client: client, logger: logger}
}

// URL returns the request URL for test, applying a non-default port.
func URL(test common.WebTest) (string, error) {
	u, err := url.Parse(test.Website)
	if err != nil {
		return "", fmt.Errorf("invalid website %q: %w", test.Website, err)
	}
	if u.Scheme == "" {
		u, err = url.Parse("https://" + test.Website)
		if err != nil {
			return "", fmt.Errorf("invalid website %q: %w", test.Website, err)
		}
	}
	if test.Port != 0 && u.Port() == "" && !isDefaultPort(u.Scheme, test.Port) {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(int(test.Port)))
	}
	return u.String(), nil
}

func isDefaultPort(scheme string, port uint16) bool {
	return (scheme == "https" && port == 443) || (scheme == "http" && port == 80)
}

// Check runs a single reachability request.
func (c *HTTPChecker) Check(ctx context.Context, test common.WebTest) (bool, error) {
	endpoint, err := URL(test)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Info("Website unreachable",
			zap.String("name", test.Name),
			zap.String("url", endpoint),
			zap.Error(err),
		)
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	c.logger.Info("Website reachable",
		zap.String("name", test.Name),
		zap.String("url", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	return true, nil
}

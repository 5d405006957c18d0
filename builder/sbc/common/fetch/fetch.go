// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

// Package fetch downloads root filesystem archives, their published checksums
// and prebuilt auxiliary packages over HTTP(S), retrying transient failures.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/sbcbuild/sbcbuild/builder/sbc/common/log"
	"github.com/sbcbuild/sbcbuild/builder/sbc/common/logutil"
)

// PartialSuffix is appended to a download target while the transfer is in flight.
const PartialSuffix = ".part"

// maxSmallBody bounds responses read fully into memory (checksum files).
const maxSmallBody = 1 << 20

type Client struct {
	http *retryablehttp.Client
}

// New returns a client retrying each request up to retries times.
func New(retries int) *Client {
	c := retryablehttp.NewClient()
	c.HTTPClient = cleanhttp.DefaultPooledClient()
	// Transfers of multi-gigabyte archives are bounded by the operator, not by us.
	c.HTTPClient.Timeout = 0
	c.RetryMax = retries
	c.RetryWaitMin = time.Second
	c.RetryWaitMax = 30 * time.Second
	c.Logger = logger{}
	c.ResponseLogHook = logResponse
	return &Client{http: c}
}

func logResponse(_ retryablehttp.Logger, resp *http.Response) {
	log.Print("[DEBUG] mirror response", logutil.Fields{
		"method": resp.Request.Method,
		"url":    resp.Request.URL.String(),
		"status": resp.Status,
		"length": resp.ContentLength,
	})
}

// StatusError is returned for non-2xx responses after retries are exhausted.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Download streams url into dest. The body is written to dest+PartialSuffix
// and renamed on success, so a file at dest is always a complete transfer.
func (c *Client) Download(ctx context.Context, url, dest string) error {
	resp, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	partial := dest + PartialSuffix
	f, err := os.Create(partial)
	if err != nil {
		return err
	}

	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partial)
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		os.Remove(partial)
		return fmt.Errorf("downloading %s: short read, got %d of %d bytes", url, n, resp.ContentLength)
	}

	log.Printf("[DEBUG] downloaded %d bytes from %s", n, url)
	return os.Rename(partial, dest)
}

// Get returns the body of a small document such as a checksum file.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSmallBody))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	log.Printf("[DEBUG] GET %s", url)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// logger adapts retryablehttp's Printf logger to our filtered log package.
type logger struct{}

func (logger) Printf(format string, v ...interface{}) {
	log.Printf("[TRACE] "+format, v...)
}

// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package influxdb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
)

// client writes line protocol data with the v2 write API.
type client struct {
	http     *retryablehttp.Client
	writeURL string
	token    string
	gzip     bool
}

func newClient(cfg Config, logger logr.Logger) (*client, error) {
	u, err := url.Parse(strings.TrimSuffix(cfg.Host, "/") + "/api/v2/write")
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", cfg.Host, err)
	}
	q := u.Query()
	q.Set("org", cfg.Org)
	q.Set("bucket", cfg.Bucket)
	q.Set("precision", "ns")
	u.RawQuery = q.Encode()

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = cfg.RetryWaitMin.Std()
	rc.RetryWaitMax = cfg.RetryWaitMax.Std()
	rc.HTTPClient.Timeout = cfg.Timeout.Std()
	rc.Logger = nil
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.V(1).Info("Retrying write", "url", req.URL.Redacted(), "attempt", attempt)
		}
	}
	return &client{http: rc, writeURL: u.String(), token: cfg.Token, gzip: cfg.Gzip}, nil
}

func (c *client) write(ctx context.Context, body []byte) error {
	if c.gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		body = buf.Bytes()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.writeURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if c.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to write to InfluxDB: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("InfluxDB returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/config"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/conform"
)

func newPreflightCmd(a *app) *cobra.Command {
	var (
		baseURL   string
		sutFile   string
		endpoints []string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check that a deployment is reachable before a run",
		Long: `Check that the base URL answers and, optionally, that each --endpoint
returns an HTTP response. Any HTTP status counts as reachable.

Exit codes:
  0  everything reachable
  1  an endpoint is unreachable
  2  the base URL is unreachable or no base URL was given`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if baseURL == "" && sutFile != "" {
				sut, err := config.LoadSUT(sutFile)
				if err != nil {
					return conform.NewConfigError(conform.CodeConfigInvalid, err)
				}
				baseURL = sut.BaseURL
			}
			if baseURL == "" {
				return usageErrorf("--base-url or --sut is required")
			}
			base := strings.TrimSuffix(baseURL, "/") + "/"
			if _, err := url.Parse(base); err != nil {
				return usageErrorf("invalid --base-url: %v", err)
			}

			client := &http.Client{Timeout: timeout}
			ctx := cmd.Context()

			status, err := probe(ctx, client, base)
			if err != nil {
				_, _ = fmt.Fprintf(a.stdout, "[FAIL] Base URL not reachable: %s (%v)\n", base, err)
				return &exitError{code: exitConfig, err: fmt.Errorf("base url %s not reachable", base)}
			}
			_, _ = fmt.Fprintf(a.stdout, "[OK] Base URL reachable: %s (HTTP %d)\n", base, status)

			failed := 0
			for _, ep := range endpoints {
				target := base + strings.TrimPrefix(ep, "/")
				status, err := probe(ctx, client, target)
				if err != nil {
					failed++
					_, _ = fmt.Fprintf(a.stdout, "[FAIL] %s unreachable (%v)\n", target, err)
					continue
				}
				_, _ = fmt.Fprintf(a.stdout, "[OK] %s (HTTP %d)\n", target, status)
			}
			if failed > 0 {
				return &exitError{code: exitFailure, err: fmt.Errorf("%d endpoint(s) unreachable", failed)}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&baseURL, "base-url", "", "base URL of the deployment")
	f.StringVar(&sutFile, "sut", "", "take the base URL from a SUT YAML file")
	f.StringArrayVar(&endpoints, "endpoint", nil, "endpoint path to probe (repeatable)")
	f.DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")
	return cmd
}

// probe issues a GET and reports the status. Only transport failures are
// errors.
func probe(ctx context.Context, client *http.Client, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "trqp-cts-preflight/"+conform.ToolVersion)
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

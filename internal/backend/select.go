package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultProbeTimeout = 5 * time.Second

// Select picks the execution driver for a stack. A remote workspace is used
// only when the document declares one AND the workspace API answers a
// liveness probe within the probe window; otherwise the local engine driver
// is used, including as a silent fallback when the remote is unreachable.
func Select(ctx context.Context, opts Options) Client {
	spec := opts.Document.RemoteBackend()
	if spec == nil {
		return NewCLI(opts)
	}

	if err := probe(ctx, opts, spec.Address); err != nil {
		opts.logger().Warn("remote workspace unreachable, falling back to local engine",
			"stack", opts.Definition.Name,
			"address", spec.Address,
			"error", err)
		return NewCLI(opts)
	}

	return NewRemote(opts, spec)
}

func probe(ctx context.Context, opts Options, address string) error {
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = timeout

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, address+"/api/v1/ping", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if opts.RemoteToken != "" {
			req.Header.Set("Authorization", "Bearer "+opts.RemoteToken)
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("ping returned %s", resp.Status)
		}
		return nil
	}, backoff.WithContext(policy, ctx))
}

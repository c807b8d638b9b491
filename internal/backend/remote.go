package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/stacklift-io/stacklift/internal/definition"
	"github.com/stacklift-io/stacklift/internal/logparse"
)

// Run statuses reported by the workspace API.
const (
	runStatusPlanned  = "planned"
	runStatusApplied  = "applied"
	runStatusErrored  = "errored"
	runStatusCanceled = "canceled"
)

// Remote drives a managed workspace over its HTTP API. Plan and apply run
// on the service; we upload configuration, poll run state, and relay the
// service's log stream.
type Remote struct {
	def         *definition.Definition
	spec        *definition.RemoteSpec
	speculative bool
	sink        Sink
	logger      *slog.Logger
	http        *http.Client
	token       string

	initialized bool
	workspaceID string

	// lastRun remembers the most recent destructive plan so Destroy can
	// confirm it is applying what was planned.
	lastRun *Plan
}

// NewRemote returns a managed-workspace driver for the given stack.
func NewRemote(opts Options, spec *definition.RemoteSpec) *Remote {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	token := opts.RemoteToken
	if spec.Token != "" {
		token = spec.Token
	}
	return &Remote{
		def:         opts.Definition,
		spec:        spec,
		speculative: opts.Speculative,
		sink:        opts.sink(),
		logger:      opts.logger(),
		http:        client,
		token:       token,
	}
}

// Init resolves the workspace name to its ID.
func (r *Remote) Init(ctx context.Context) error {
	var ws struct {
		ID string `json:"id"`
	}
	path := "/api/v1/workspaces/" + url.PathEscape(r.spec.Workspace)
	if err := r.getJSON(ctx, path, &ws); err != nil {
		return fmt.Errorf("resolve workspace %q: %w", r.spec.Workspace, err)
	}
	r.workspaceID = ws.ID
	r.initialized = true
	return nil
}

// Plan uploads the definition content as a configuration version, creates a
// run, relays the run's log stream, and waits for planning to finish. The
// returned artifact is the run ID.
func (r *Remote) Plan(ctx context.Context, destructive bool) (*Plan, error) {
	r.ensureInit("Plan")

	var cv struct {
		ID string `json:"id"`
	}
	cvPath := fmt.Sprintf("/api/v1/workspaces/%s/configuration-versions", r.workspaceID)
	if err := r.postJSON(ctx, cvPath, json.RawMessage(r.def.Content), &cv); err != nil {
		return nil, fmt.Errorf("upload configuration: %w", err)
	}

	var run struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	body := map[string]any{
		"workspace":             r.workspaceID,
		"configuration_version": cv.ID,
		"destroy":               destructive,
		"speculative":           r.speculative,
	}
	if err := r.postJSON(ctx, "/api/v1/runs", body, &run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	r.logger.Debug("remote run created", "stack", r.def.Name, "run", run.ID, "destroy", destructive)

	streamDone := r.streamLogs(ctx, run.ID, "plan")

	state, err := r.waitForRun(ctx, run.ID, runStatusPlanned)
	<-streamDone
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", run.ID, err)
	}

	plan := &Plan{
		Artifact:    run.ID,
		NeedsApply:  state.HasChanges,
		Destructive: destructive,
		Summary:     state.Changes,
	}
	if destructive {
		r.lastRun = plan
	}
	return plan, nil
}

// Apply confirms a planned run and waits for it to finish applying.
func (r *Remote) Apply(ctx context.Context, plan *Plan) error {
	r.ensureInit("Apply")
	if r.speculative {
		panic("backend: Apply called on a speculative remote client")
	}
	if plan.Destructive {
		return errors.New("remote apply: refusing to apply a destructive plan, use Destroy")
	}
	return r.applyRun(ctx, plan.Artifact, "apply")
}

// Destroy confirms the destructive run produced by the preceding Plan.
func (r *Remote) Destroy(ctx context.Context, plan *Plan) error {
	r.ensureInit("Destroy")
	if r.speculative {
		panic("backend: Destroy called on a speculative remote client")
	}
	if r.lastRun == nil || r.lastRun.Artifact != plan.Artifact {
		return errors.New("remote destroy: no matching destructive plan for this run")
	}
	return r.applyRun(ctx, plan.Artifact, "destroy")
}

// Output reads the workspace's current output values.
func (r *Remote) Output(ctx context.Context) (map[string]any, error) {
	r.ensureInit("Output")
	var outputs map[string]any
	path := fmt.Sprintf("/api/v1/workspaces/%s/outputs", r.workspaceID)
	if err := r.getJSON(ctx, path, &outputs); err != nil {
		return nil, fmt.Errorf("fetch outputs: %w", err)
	}
	return outputs, nil
}

func (r *Remote) ensureInit(op string) {
	if !r.initialized {
		panic(fmt.Sprintf("backend: %s called before Init", op))
	}
}

func (r *Remote) applyRun(ctx context.Context, runID, phase string) error {
	path := fmt.Sprintf("/api/v1/runs/%s/actions/apply", url.PathEscape(runID))
	if err := r.postJSON(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("confirm run %s: %w", runID, err)
	}

	streamDone := r.streamLogs(ctx, runID, phase)
	_, err := r.waitForRun(ctx, runID, runStatusApplied)
	<-streamDone
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	return nil
}

type runState struct {
	ID         string        `json:"id"`
	Status     string        `json:"status"`
	HasChanges bool          `json:"has_changes"`
	Changes    ChangeSummary `json:"changes"`
}

// waitForRun polls the run until it reaches the wanted status. Terminal
// failure statuses abort the poll immediately.
func (r *Remote) waitForRun(ctx context.Context, runID, want string) (*runState, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0 // run until the context says otherwise

	var state runState
	err := backoff.Retry(func() error {
		if err := r.getJSON(ctx, "/api/v1/runs/"+url.PathEscape(runID), &state); err != nil {
			return err
		}
		switch state.Status {
		case want:
			return nil
		case runStatusErrored:
			return backoff.Permanent(errors.New("run errored"))
		case runStatusCanceled:
			return backoff.Permanent(fmt.Errorf("run canceled: %w", ErrCancelled))
		// An already-applied run satisfies a wait for planned.
		case runStatusApplied:
			return nil
		default:
			return fmt.Errorf("run status %q", state.Status)
		}
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, err
	}
	return &state, nil
}

// streamLogs relays the run's websocket log stream into the sink until the
// stream closes or the context is cancelled. The returned channel closes
// when the relay goroutine exits.
func (r *Remote) streamLogs(ctx context.Context, runID, phase string) <-chan struct{} {
	done := make(chan struct{})

	wsURL, err := logStreamURL(r.spec.Address, runID)
	if err != nil {
		r.logger.Warn("cannot build log stream address", "run", runID, "error", err)
		close(done)
		return done
	}

	header := http.Header{}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		// Losing the log feed does not fail the run; state polling still works.
		r.logger.Warn("log stream unavailable", "run", runID, "error", err)
		close(done)
		return done
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		conn.Close()
	}()

	go func() {
		defer close(done)
		defer close(stop)
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for _, raw := range strings.Split(strings.TrimRight(string(frame), "\n"), "\n") {
				if raw == "" {
					continue
				}
				r.sink(phase, logparse.Parse(raw))
			}
		}
	}()
	return done
}

func logStreamURL(address, runID string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/runs/" + url.PathEscape(runID) + "/logs"
	return u.String(), nil
}

func (r *Remote) getJSON(ctx context.Context, path string, out any) error {
	return r.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (r *Remote) postJSON(ctx context.Context, path string, body, out any) error {
	return r.doJSON(ctx, http.MethodPost, path, body, out)
}

func (r *Remote) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(r.spec.Address, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

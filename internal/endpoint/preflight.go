package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Discovery is the server's pre-flight health response.
type Discovery struct {
	Status           string `json:"status"`
	ServerVersion    string `json:"serverVersion,omitempty"`
	MinClientVersion string `json:"minClientVersion,omitempty"`
	SecClientVersion string `json:"secClientVersion,omitempty"`
}

// PreflightTimeout bounds [Preflight] when ctx carries no deadline.
const PreflightTimeout = 5 * time.Second

// Preflight queries the target's /health endpoint. A nil client uses
// http.DefaultClient. Non-2xx responses are errors; a 2xx response with a
// non-JSON body yields a zero Discovery with Status "ok".
func Preflight(ctx context.Context, client *http.Client, t Target) (Discovery, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, PreflightTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.HealthURL(), nil)
	if err != nil {
		return Discovery{}, fmt.Errorf("endpoint: preflight: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Discovery{}, fmt.Errorf("endpoint: preflight %s: %w", t.HealthURL(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Discovery{}, fmt.Errorf("endpoint: preflight read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Discovery{}, fmt.Errorf("endpoint: preflight %s: status %d", t.HealthURL(), resp.StatusCode)
	}

	var d Discovery
	if err := json.Unmarshal(body, &d); err != nil {
		return Discovery{Status: "ok"}, nil
	}
	if d.Status == "" {
		d.Status = "ok"
	}
	return d, nil
}

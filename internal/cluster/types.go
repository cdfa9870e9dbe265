package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/userfleet/internal/storage"
)

// Operation names the kind of mutation a worker performed.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the three known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// MutationEvent is sent upstream by a worker after every successful write.
type MutationEvent struct {
	WorkerIndex int          `json:"workerIndex"`
	Operation   Operation    `json:"operation"`
	Record      storage.User `json:"record"`
}

// Snapshot is the full record collection pushed downstream to every worker.
// It is encoded as a bare JSON array.
type Snapshot []storage.User

// WorkerInfo describes one worker of the fleet for status reporting and
// health probing.
type WorkerInfo struct {
	Index int    `json:"index"`
	Addr  string `json:"addr"`
	PID   int    `json:"pid,omitempty"`
}

// WorkerPort derives the private port of the worker with the given 1-based
// index.
func WorkerPort(base, index int) int {
	return base + index
}

// WorkerAddr returns the base URL of a worker listening on host:port.
func WorkerAddr(host string, port int) string {
	return fmt.Sprintf("http://%s:%d", host, port)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// GetJSON issues a GET against url and decodes a JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "get %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("get %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s", url)
	}
	return nil
}

package deployment

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/llathrop/ansible-fleet/control_plane/store"
)

// Desired is the deployment state the operator asked for.
type Desired struct {
	Database bool `json:"database" yaml:"database"`
	Agent    bool `json:"agent" yaml:"agent"`
	Workers  int  `json:"workers" yaml:"workers"`
}

// Current is the deployment state observed on the fleet.
type Current struct {
	Database bool `json:"database"`
	Agent    bool `json:"agent"`
	Workers  int  `json:"workers"`
}

// Delta is the set of actions that move Current to Desired. Nothing in it
// tears components down; scaling down is an operator decision, not a
// reconciler one.
type Delta struct {
	DeployDatabase   bool `json:"deploy_db"`
	DeployAgent      bool `json:"deploy_agent"`
	DeployWorkers    bool `json:"deploy_workers"`
	WorkerCountToAdd int  `json:"worker_count_to_add"`
}

// Empty reports whether no action is needed.
func (d Delta) Empty() bool {
	return !d.DeployDatabase && !d.DeployAgent && !d.DeployWorkers
}

// Diff computes the actions needed to reach the desired state. Zero
// values on either side are valid states, not errors.
func Diff(desired Desired, current Current) Delta {
	var delta Delta
	if desired.Database && !current.Database {
		delta.DeployDatabase = true
	}
	if desired.Agent && !current.Agent {
		delta.DeployAgent = true
	}
	if desired.Workers > current.Workers {
		delta.DeployWorkers = true
		delta.WorkerCountToAdd = desired.Workers - current.Workers
	}
	return delta
}

// Detector probes the fleet for the currently deployed components.
type Detector struct {
	store        store.Store
	databaseAddr string // host:port for a TCP probe
	agentURL     string // health endpoint for an HTTP probe
	probeTimeout time.Duration
	httpClient   *http.Client
}

func NewDetector(s store.Store, databaseAddr, agentURL string) *Detector {
	timeout := 3 * time.Second
	return &Detector{
		store:        s,
		databaseAddr: databaseAddr,
		agentURL:     agentURL,
		probeTimeout: timeout,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// Detect observes the current deployment. Probe failures read as "not
// deployed" rather than errors; an unreachable component needs deploying
// either way.
func (d *Detector) Detect(ctx context.Context) Current {
	var cur Current

	if d.databaseAddr != "" {
		dialer := net.Dialer{Timeout: d.probeTimeout}
		if conn, err := dialer.DialContext(ctx, "tcp", d.databaseAddr); err == nil {
			conn.Close()
			cur.Database = true
		}
	}

	if d.agentURL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.agentURL, nil)
		if err == nil {
			if resp, err := d.httpClient.Do(req); err == nil {
				resp.Body.Close()
				cur.Agent = resp.StatusCode < 500
			}
		}
	}

	if d.store != nil {
		workers, err := d.store.GetAllWorkers(ctx)
		if err == nil {
			for _, w := range workers {
				if !w.IsLocal && w.Status.Candidate() {
					cur.Workers++
				}
			}
		}
	}

	return cur
}

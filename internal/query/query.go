// Package query is the built-in payload interpreter for relay sessions:
// a minimal fleet-lookup protocol where a request names an instance (or
// asks for the whole fleet) and the response is JSON rendered from the
// snapshot the session was handed. The relay itself stays payload-agnostic.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dtrefilov-piterbyte/deucalion/internal/state"
)

// Instance is the JSON rendering of one fleet member.
type Instance struct {
	ID        string            `json:"id"`
	Platform  string            `json:"platform"`
	Type      string            `json:"type"`
	Lifecycle string            `json:"lifecycle"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// FleetResponse answers a whole-fleet request. Version identifies the
// snapshot the answer was computed from.
type FleetResponse struct {
	Version   uint64     `json:"version"`
	Instances []Instance `json:"instances"`
}

// InstanceResponse answers a single-instance request.
type InstanceResponse struct {
	Version  uint64   `json:"version"`
	Instance Instance `json:"instance"`
}

// Interpreter resolves requests against fleet snapshots. The zero value
// is ready to use.
type Interpreter struct{}

// New returns the default interpreter.
func New() *Interpreter { return &Interpreter{} }

// Interpret resolves one request. An empty request or "*" returns the
// whole fleet sorted by instance ID; anything else is an instance ID
// lookup. An unknown ID is a protocol error, reported to the client but
// fatal to the session.
func (Interpreter) Interpret(_ context.Context, request []byte, snap *state.Snapshot) ([]byte, error) {
	q := strings.TrimSpace(string(request))
	if q == "" || q == "*" {
		resp := FleetResponse{
			Version:   snap.Version,
			Instances: make([]Instance, 0, len(snap.Fleet)),
		}
		for _, inst := range snap.Fleet {
			resp.Instances = append(resp.Instances, render(inst))
		}
		sort.Slice(resp.Instances, func(i, j int) bool {
			return resp.Instances[i].ID < resp.Instances[j].ID
		})
		return json.Marshal(resp)
	}

	inst, ok := snap.Instance(q)
	if !ok {
		return nil, fmt.Errorf("unknown instance %q", q)
	}
	return json.Marshal(InstanceResponse{
		Version:  snap.Version,
		Instance: render(inst),
	})
}

func render(inst state.Instance) Instance {
	return Instance{
		ID:        inst.ID,
		Platform:  inst.Platform,
		Type:      inst.Type,
		Lifecycle: inst.Lifecycle,
		Tags:      inst.Tags,
	}
}

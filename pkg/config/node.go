package config

import (
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

const nodeAppID = "strategy-core"

// ResolveNodeID returns a stable per-host id. The raw machine id is hashed
// with the app id so it is never exposed. Hosts without a readable machine
// id fall back to the hostname, then to a random uuid.
func ResolveNodeID() string {
	if id, err := machineid.ProtectedID(nodeAppID); err == nil && id != "" {
		if len(id) > 16 {
			id = id[:16]
		}
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// Package ids generates the identifiers used throughout the system: job
// ids and work-item ids via uuid, node ids via the teacher's short
// random-hex scheme (kept for nodes bootstrapped from the environment
// rather than issued by a server).
package ids

import (
	crand "crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

func NewJobID() string      { return "job-" + uuid.NewString() }
func NewWorkItemID() string { return "wi-" + uuid.NewString() }
func NewNonce() string      { return uuid.NewString() }

// NewNodeID mirrors the teacher's cmd/node bootstrap id scheme.
func NewNodeID() string {
	b := make([]byte, 6)
	_, _ = crand.Read(b)
	return "node-" + hex.EncodeToString(b)
}

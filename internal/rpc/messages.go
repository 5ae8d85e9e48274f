package rpc

import "time"

// DispatchRequest asks a node daemon to enqueue a single WorkItem.
type DispatchRequest struct {
	WorkItemID string
	JobID      string
	ModelID    string
	InputsRef  string
	Priority   string
	Deadline   time.Time
}

type DispatchReply struct {
	Accepted  bool
	Backpressure bool
	Reason    string
}

// CancelWorkRequest tombstones an in-flight WorkItem on the target node.
type CancelWorkRequest struct {
	WorkItemID string
}

type CancelWorkReply struct {
	Acknowledged bool
}

// ResultRequest polls a node daemon for a WorkItem's PartialResult once
// dispatch has been accepted; the node daemon also pushes results
// proactively on `results.ready`, this is the fallback/point read.
type ResultRequest struct {
	WorkItemID string
}

type ResultReply struct {
	Ready     bool
	OutputRef string
	ElapsedMs int64
	ErrorKind string
	ErrorMsg  string
}

// HeartbeatRequest is PeerCoordinator's direct RPC fallback to the gossip
// heartbeat on orchestrator.heartbeat (used for the handoff accept race,
// which needs a point-to-point reply, not a broadcast).
type HeartbeatRequest struct {
	PeerID        string
	ActiveJobs    int
	Capacity      int
	SequenceNumber uint64
}

type HeartbeatReply struct {
	PeerID     string
	ActiveJobs int
	Capacity   int
}

// OfferRequest proposes handoff of a job to a peer replica.
type OfferRequest struct {
	JobID   string
	SpecRef string // blob handle of the marshalled job.Spec
	FromID  string
}

type OfferReply struct {
	Accepted bool
	PeerID   string
}

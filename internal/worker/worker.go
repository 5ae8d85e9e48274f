// Package worker implements WorkerSupervisor: runs one isolated inference
// worker per WorkItem, enforces a hard wall-clock deadline, and reaps the
// process on exit. Grounded on the original source's daemon.py/agent_manager
// process-per-job shape, with the actual process lifecycle written the way
// the teacher's internal/grpcserver and internal/scheduler manage
// long-running goroutines/processes (explicit Start/Stop, context
// cancellation propagated to the child).
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"syscall"
	"time"

	"github.com/pai3-ceo/powernode-dim/internal/job"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
	"github.com/pai3-ceo/powernode-dim/internal/logx"
)

// Backend spawns one worker for one WorkItem and waits for it to finish,
// returning its raw stdout payload. The default is an OS-process backend;
// PodmanBackend substitutes a container per work item for stronger
// isolation on targets where forking is undesirable, per §9.
type Backend interface {
	Run(ctx context.Context, item job.WorkItem, inputPath string) ([]byte, error)
}

const defaultTimeout = 120 * time.Second

// Supervisor enforces the deadline and maps backend outcomes onto
// PartialResult, independent of which Backend executes the work.
type Supervisor struct {
	backend Backend
	log     *logx.Logger
}

func New(backend Backend, log *logx.Logger) *Supervisor {
	return &Supervisor{backend: backend, log: log}
}

// Run executes item via the configured Backend, enforcing item.Deadline
// (falling back to defaultTimeout when unset). The handoff between
// orchestrator-provided input and the worker process is a JSON-encoded
// input file path, the structured handoff §4.9 calls for.
func (s *Supervisor) Run(ctx context.Context, item job.WorkItem, inputPath string) *job.PartialResult {
	deadline := item.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(defaultTimeout)
	}
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	start := time.Now()
	out, err := s.backend.Run(runCtx, item, inputPath)
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return &job.PartialResult{WorkItemID: item.ID, NodeID: item.NodeID, Elapsed: elapsed,
			Err: joberr.New(joberr.Timeout, "work item %s exceeded deadline", item.ID)}
	}
	if err != nil {
		return &job.PartialResult{WorkItemID: item.ID, NodeID: item.NodeID, Elapsed: elapsed,
			Err: joberr.Wrap(joberr.WorkerCrashed, err, "worker for %s exited abnormally", item.ID)}
	}

	var outRef string
	if err := json.Unmarshal(out, &outRef); err != nil {
		outRef = string(bytes.TrimSpace(out))
	}
	return &job.PartialResult{WorkItemID: item.ID, NodeID: item.NodeID, OutputRef: outRef, Elapsed: elapsed}
}

// ProcessBackend is the default Backend: one OS process per work item,
// given its configured Args followed by "--model <id> --input <path>",
// and expected to print a
// JSON-encoded blob handle (or a bare handle string) to stdout on success.
type ProcessBackend struct {
	Command string // e.g. "/opt/dim/bin/infer-worker"
	Args    []string
}

func NewProcessBackend(command string, args ...string) *ProcessBackend {
	return &ProcessBackend{Command: command, Args: args}
}

func (b *ProcessBackend) Run(ctx context.Context, item job.WorkItem, inputPath string) ([]byte, error) {
	args := append(append([]string(nil), b.Args...), "--model", item.ModelID, "--input", inputPath)
	cmd := exec.CommandContext(ctx, b.Command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		// Signal first for a clean shutdown, then hard-kill after a short
		// grace period, per §4.9's "signal worker to stop, then kill".
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			<-done
		}
		return stdout.Bytes(), ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.Bytes(), err
		}
		return stdout.Bytes(), nil
	}
}

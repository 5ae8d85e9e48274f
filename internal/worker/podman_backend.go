package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/specgen"

	"github.com/pai3-ceo/powernode-dim/internal/job"
)

// PodmanBackend runs one container per work item instead of a bare OS
// process, for targets that want stronger crash isolation or cannot fork
// supervisor children directly, per §9's "a target that cannot fork may
// use an OS-level sandboxed subprocess with a supervisor." Grounded on
// beemesh-beemesh/pkg/podman/podman.go's bindings.NewConnection +
// containers.CreateWithSpec/Start idiom.
type PodmanBackend struct {
	Image     string
	SocketURI string // e.g. "unix:///run/podman/podman.sock"
}

func NewPodmanBackend(image, socketURI string) *PodmanBackend {
	return &PodmanBackend{Image: image, SocketURI: socketURI}
}

func (b *PodmanBackend) Run(ctx context.Context, item job.WorkItem, inputPath string) ([]byte, error) {
	conn, err := bindings.NewConnection(ctx, b.SocketURI)
	if err != nil {
		return nil, fmt.Errorf("podman connect: %w", err)
	}

	name := "dim-work-" + item.ID
	spec := specgen.NewSpecGenerator(b.Image, false)
	spec.Name = name
	spec.Command = []string{"infer-worker", "--model", item.ModelID, "--input", inputPath}
	spec.Labels = map[string]string{"dim.work_item": item.ID, "dim.job": item.JobID}

	if _, err := containers.CreateWithSpec(conn, spec, nil); err != nil {
		return nil, fmt.Errorf("podman create %s: %w", name, err)
	}
	if err := containers.Start(conn, name, nil); err != nil {
		return nil, fmt.Errorf("podman start %s: %w", name, err)
	}

	exitCode, err := containers.Wait(conn, name, nil)
	if err != nil {
		return nil, fmt.Errorf("podman wait %s: %w", name, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("container %s exited %d", name, exitCode)
	}

	stdout := make(chan string, 1024)
	stderr := make(chan string, 1024)
	var logLines []string
	done := make(chan error, 1)
	go func() {
		done <- containers.Logs(conn, name, nil, stdout, stderr)
	}()
	for stdout != nil || stderr != nil {
		select {
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			logLines = append(logLines, line)
		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			logLines = append(logLines, line)
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("podman logs %s: %w", name, err)
	}

	return []byte(strings.Join(logLines, "\n")), nil
}

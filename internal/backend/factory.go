package backend

import (
	"fmt"
	"log/slog"

	"fireside/internal/domain"
)

// New constructs the backend for the given kind. The in-process backend
// hosts the deterministic echo engine; real model weights live behind the
// sandboxed worker or a remote server.
func New(kind domain.BackendKind, logger *slog.Logger) (domain.ModelBackend, error) {
	switch kind {
	case domain.BackendInProcess:
		return NewInProcess(NewEchoEngine(), WithInProcessLogger(logger)), nil
	case domain.BackendSandboxed:
		return NewSandboxed(WithSandboxLogger(logger)), nil
	case domain.BackendRemote:
		return NewRemote(WithRemoteLogger(logger)), nil
	default:
		return nil, fmt.Errorf("backend: unknown kind %q", kind)
	}
}

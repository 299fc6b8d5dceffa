package orchestrate

import (
	"sync"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/workerbuild"
)

// Workspace is what an orchestration hands to the stages that run after it
type Workspace struct {
	BuildID       string
	KojiUploadDir string

	mu      sync.Mutex
	handles []*workerbuild.Handle
}

// NewWorkspace creates an empty workspace
func NewWorkspace(buildID, kojiUploadDir string) *Workspace {
	return &Workspace{BuildID: buildID, KojiUploadDir: kojiUploadDir}
}

func (w *Workspace) add(h *workerbuild.Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handles = append(w.handles, h)
}

// Handles returns the handles collected so far in creation order
func (w *Workspace) Handles() []*workerbuild.Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*workerbuild.Handle(nil), w.handles...)
}

// WorkerBuilds returns the handle of every platform
func (w *Workspace) WorkerBuilds() map[string]*workerbuild.Handle {
	handles := w.Handles()
	out := make(map[string]*workerbuild.Handle, len(handles))
	for _, h := range handles {
		out[h.Platform()] = h
	}
	return out
}

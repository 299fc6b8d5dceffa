package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/metadata"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/orchestrate"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/persistence"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/types"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning is returned when an orchestration with the same id is in progress
	ErrAlreadyRunning = errors.New("orchestration already running")
	// ErrNotRunning is returned when cancelling an unknown orchestration
	ErrNotRunning = errors.New("orchestration not running")
)

// Runner runs one orchestration
type Runner interface {
	Run(ctx context.Context, req orchestrate.Request) (*orchestrate.Result, *orchestrate.Workspace, error)
}

// Outcome is the result of an orchestration plus the metadata of its worker builds
type Outcome struct {
	BuildID        types.BuildID
	Result         *orchestrate.Result
	WorkerMetadata map[string]metadata.Document
}

// OrchestratorService runs orchestrations and keeps track of the ones in progress
type OrchestratorService struct {
	runner  Runner
	fetcher *metadata.Fetcher
	store   persistence.Store
	logger  *zap.Logger

	mu      sync.Mutex
	running map[types.BuildID]context.CancelFunc
}

// NewOrchestratorService creates a new orchestrator service
func NewOrchestratorService(runner Runner, fetcher *metadata.Fetcher, store persistence.Store, logger *zap.Logger) *OrchestratorService {
	return &OrchestratorService{
		runner:  runner,
		fetcher: fetcher,
		store:   store,
		logger:  logger.Named("orchestrator-service"),
		running: make(map[types.BuildID]context.CancelFunc),
	}
}

// Orchestrate runs the worker builds of req and, when all of them succeeded,
// fetches their metadata. A failed orchestration is not an error; the
// outcome's result says what went wrong on each platform.
func (s *OrchestratorService) Orchestrate(ctx context.Context, req orchestrate.Request) (*Outcome, error) {
	id := types.GenerateBuildID()
	if req.BuildID != "" {
		var err error
		if id, err = types.NewBuildID(req.BuildID); err != nil {
			return nil, &orchestrate.ConfigError{Err: err}
		}
	}
	req.BuildID = id.String()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.register(id, cancel); err != nil {
		return nil, err
	}
	defer s.unregister(id)

	s.logger.Info("Orchestration started", id.ZapField(), zap.Strings("platforms", req.Platforms))

	result, ws, err := s.runner.Run(runCtx, req)
	if ws != nil {
		defer s.complete(ctx, id)
	}
	if err != nil {
		s.logger.Warn("Orchestration ended without a result", id.ZapField(), zap.Error(err))
		return nil, err
	}

	outcome := &Outcome{BuildID: id, Result: result}
	if result.Failed {
		return outcome, nil
	}

	docs, err := s.fetcher.Fetch(runCtx, ws, result)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch worker metadata: %w", err)
	}
	outcome.WorkerMetadata = docs
	s.logger.Info("Orchestration finished", id.ZapField(), zap.Int("platforms", len(result.Annotations)))
	return outcome, nil
}

// Cancel interrupts a running orchestration. The orchestration cancels its
// worker builds before Orchestrate returns.
func (s *OrchestratorService) Cancel(id types.BuildID) error {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	s.logger.Info("Cancelling orchestration", id.ZapField())
	cancel()
	return nil
}

// IsRunning reports whether an orchestration is in progress in this process
func (s *OrchestratorService) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[types.BuildID(id)]
	return ok
}

func (s *OrchestratorService) register(id types.BuildID, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	s.running[id] = cancel
	return nil
}

func (s *OrchestratorService) unregister(id types.BuildID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// complete drops the worker build records of a finished orchestration
func (s *OrchestratorService) complete(ctx context.Context, id types.BuildID) {
	if err := s.store.CompleteOrchestration(context.WithoutCancel(ctx), id.String()); err != nil {
		s.logger.Warn("Failed to complete orchestration record", id.ZapField(), zap.Error(err))
	}
}

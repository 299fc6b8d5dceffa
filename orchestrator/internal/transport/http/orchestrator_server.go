package http

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/orchestrate"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/service"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/types"
)

// Procedures served by the OrchestratorService
const (
	ServiceName           = "orchestrator.v1.OrchestratorService"
	OrchestrateProcedure  = "/" + ServiceName + "/Orchestrate"
	CancelProcedure       = "/" + ServiceName + "/Cancel"
	ServiceVersionHeader  = "Orchestrator-Version"
	currentServiceVersion = "v1"
)

// OrchestratorServer implements the ConnectRPC OrchestratorService
type OrchestratorServer struct {
	orchestratorService *service.OrchestratorService
	logger              *zap.Logger
}

// NewOrchestratorServer creates a new instance of OrchestratorServer
func NewOrchestratorServer(orchestratorService *service.OrchestratorService, logger *zap.Logger) *OrchestratorServer {
	return &OrchestratorServer{
		orchestratorService: orchestratorService,
		logger:              logger.Named("orchestrator-server"),
	}
}

// Orchestrate runs an orchestration and replies once every worker build has finished
func (s *OrchestratorServer) Orchestrate(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	var in orchestrateRequest
	if err := decode(req.Msg, &in); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	outcome, err := s.orchestratorService.Orchestrate(ctx, in.toRequest())
	if err != nil {
		s.logger.Error("Failed to orchestrate build",
			zap.String("build_id", in.BuildID),
			zap.Error(err))
		return nil, toConnectError(err)
	}

	msg, err := encode(newOrchestrateResponse(outcome))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	resp := connect.NewResponse(msg)
	resp.Header().Set(ServiceVersionHeader, currentServiceVersion)
	return resp, nil
}

// Cancel interrupts a running orchestration
func (s *OrchestratorServer) Cancel(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	var in cancelRequest
	if err := decode(req.Msg, &in); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	id, err := types.NewBuildID(in.BuildID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	if err := s.orchestratorService.Cancel(id); err != nil {
		s.logger.Warn("Failed to cancel orchestration", id.ZapField(), zap.Error(err))
		return nil, toConnectError(err)
	}

	msg, err := encode(cancelRequest{BuildID: id.String()})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

func toConnectError(err error) error {
	var cfgErr *orchestrate.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, service.ErrAlreadyRunning):
		return connect.NewError(connect.CodeAlreadyExists, err)
	case errors.Is(err, service.ErrNotRunning):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

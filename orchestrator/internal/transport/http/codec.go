package http

import (
	"encoding/json"
	"fmt"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/orchestrate"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/service"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/workerbuild"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// orchestrateRequest is the JSON shape of an Orchestrate request
type orchestrateRequest struct {
	BuildID              string                            `json:"build_id"`
	Platforms            []string                          `json:"platforms"`
	ExcludePlatforms     []string                          `json:"exclude_platforms"`
	Release              string                            `json:"release"`
	BuilderImage         string                            `json:"builder_image"`
	WorkerBuildImage     string                            `json:"worker_build_image"`
	FilesystemKojiTaskID string                            `json:"filesystem_koji_task_id"`
	BuildParams          map[string]interface{}            `json:"build_params"`
	ConfigOverrides      map[string]interface{}            `json:"config_overrides"`
	PlatformOverrides    map[string]map[string]interface{} `json:"platform_overrides"`
}

type orchestrateResponse struct {
	BuildID        string                              `json:"build_id"`
	Failed         bool                                `json:"failed"`
	RemoteImage    bool                                `json:"remote_image"`
	Annotations    workerBuildsAnnotation              `json:"annotations"`
	FailReasons    map[string]map[string]interface{}   `json:"fail_reasons,omitempty"`
	FailedBuilds   map[string]*workerbuild.Annotations `json:"failed_worker_builds,omitempty"`
	Repositories   workerbuild.Repositories            `json:"repositories"`
	Labels         map[string]string                   `json:"labels"`
	WorkerMetadata map[string]map[string]interface{}   `json:"worker_metadata,omitempty"`
}

type workerBuildsAnnotation struct {
	WorkerBuilds map[string]*workerbuild.Annotations `json:"worker-builds"`
}

type cancelRequest struct {
	BuildID string `json:"build_id"`
}

// decode converts a Struct message into v through its JSON form
func decode(msg *structpb.Struct, v interface{}) error {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}
	return nil
}

// encode converts v into a Struct message through its JSON form
func encode(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (r orchestrateRequest) toRequest() orchestrate.Request {
	return orchestrate.Request{
		BuildID:              r.BuildID,
		Platforms:            r.Platforms,
		ExcludePlatforms:     r.ExcludePlatforms,
		Release:              r.Release,
		BuilderImage:         r.BuilderImage,
		WorkerBuildImage:     r.WorkerBuildImage,
		FilesystemKojiTaskID: r.FilesystemKojiTaskID,
		BuildParams:          r.BuildParams,
		ConfigOverrides:      r.ConfigOverrides,
		PlatformOverrides:    r.PlatformOverrides,
	}
}

func newOrchestrateResponse(outcome *service.Outcome) orchestrateResponse {
	result := outcome.Result
	return orchestrateResponse{
		BuildID:        outcome.BuildID.String(),
		Failed:         result.Failed,
		RemoteImage:    result.RemoteImage,
		Annotations:    workerBuildsAnnotation{WorkerBuilds: result.Annotations},
		FailReasons:    result.FailReasons,
		FailedBuilds:   result.FailedAnnotations,
		Repositories:   result.Repositories,
		Labels:         result.Labels,
		WorkerMetadata: outcome.WorkerMetadata,
	}
}

package orchestrate

import (
	"encoding/json"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/workerbuild"
)

// Result is the outcome of an orchestrator build
type Result struct {
	// Failed is set when any platform has a fail reason
	Failed bool
	// RemoteImage marks that the images live on the workers, not locally
	RemoteImage bool
	// Annotations of every platform whose worker build succeeded
	Annotations map[string]*workerbuild.Annotations
	// FailedAnnotations locate the worker builds that launched but did not succeed
	FailedAnnotations map[string]*workerbuild.Annotations
	// FailReasons of every platform that did not succeed
	FailReasons  map[string]map[string]interface{}
	Repositories workerbuild.Repositories
	Labels       map[string]string
}

// FailReasonJSON returns the fail reasons as a JSON document
func (r *Result) FailReasonJSON() (string, error) {
	reasons := r.FailReasons
	if reasons == nil {
		reasons = map[string]map[string]interface{}{}
	}
	data, err := json.Marshal(reasons)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

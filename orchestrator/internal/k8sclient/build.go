package k8sclient

// BuildPhase is the lifecycle phase of a worker build
type BuildPhase string

// Build phases as reported by the build API
const (
	PhaseNew       BuildPhase = "New"
	PhasePending   BuildPhase = "Pending"
	PhaseRunning   BuildPhase = "Running"
	PhaseComplete  BuildPhase = "Complete"
	PhaseFailed    BuildPhase = "Failed"
	PhaseError     BuildPhase = "Error"
	PhaseCancelled BuildPhase = "Cancelled"
)

// FinishedPhases are the terminal build phases
var FinishedPhases = []BuildPhase{PhaseComplete, PhaseFailed, PhaseError, PhaseCancelled}

// Annotation and label keys exchanged with worker builds
const (
	AnnotationPodName             = "openshift.io/build.pod-name"
	AnnotationDigests             = "digests"
	AnnotationPluginsMetadata     = "plugins-metadata"
	AnnotationRepositories        = "repositories"
	AnnotationMetadataFragment    = "metadata_fragment"
	AnnotationMetadataFragmentKey = "metadata_fragment_key"

	LabelKojiBuildID       = "koji-build-id"
	LabelPlatform          = "platform"
	LabelOrchestratorBuild = "orchestrator-build"
)

// Build is a snapshot of a remote worker build
type Build struct {
	Name        string
	Namespace   string
	Phase       BuildPhase
	Annotations map[string]string
	Labels      map[string]string
}

// IsFinished reports whether the build reached a terminal phase
func (b *Build) IsFinished() bool {
	for _, phase := range FinishedPhases {
		if b.Phase == phase {
			return true
		}
	}
	return false
}

// IsSucceeded reports whether the build completed successfully
func (b *Build) IsSucceeded() bool {
	return b.Phase == PhaseComplete
}

// PodName returns the name of the pod running the build, if known
func (b *Build) PodName() string {
	return b.Annotations[AnnotationPodName]
}

// KojiBuildID returns the koji build id the worker reported, if any
func (b *Build) KojiBuildID() string {
	return b.Labels[LabelKojiBuildID]
}

// WorkerBuildParams are the parameters a worker build is created with
type WorkerBuildParams struct {
	OrchestratorBuildID  string
	Release              string
	Platform             string
	KojiUploadDir        string
	FilesystemKojiTaskID string
	BuilderImage         string
	// UserParams is the merged build configuration handed to the worker
	UserParams map[string]interface{}
	// ReactorConfigOverride replaces the worker's reactor configuration
	ReactorConfigOverride map[string]interface{}
}

// PodFailureReason describes why the pod of a worker build failed
type PodFailureReason struct {
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
	ExitCode    int32  `json:"exitCode,omitempty"`
	ContainerID string `json:"containerID,omitempty"`
}

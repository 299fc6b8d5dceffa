package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/fatih/color"
	"google.golang.org/protobuf/types/known/structpb"
	"sigs.k8s.io/yaml"
)

const (
	orchestrateProcedure = "/orchestrator.v1.OrchestratorService/Orchestrate"
	cancelProcedure      = "/orchestrator.v1.OrchestratorService/Cancel"
)

var (
	// Command-line flags
	serverAddr   = flag.String("server", "http://localhost:50051", "The orchestrator server address")
	buildID      = flag.String("build-id", "", "Orchestration build ID (defaults to auto-generated)")
	platforms    = flag.String("platforms", "x86_64", "Comma separated platforms to build for")
	exclude      = flag.String("exclude-platforms", "", "Comma separated platforms to skip")
	builderImage = flag.String("builder-image", "", "Builder image for the worker builds")
	release      = flag.String("release", "", "Release value passed to the worker builds")
	paramsFile   = flag.String("params", "", "YAML or JSON file with build params")
	cancelOnly   = flag.Bool("cancel", false, "Cancel the orchestration given by -build-id and exit")
	rawOutput    = flag.Bool("raw", false, "Output raw JSON responses")
	timeout      = flag.Duration("timeout", 4*time.Hour, "How long to wait for the orchestration")
)

// Color formatters
var (
	infoColor    = color.New(color.FgBlue).SprintFunc()
	successColor = color.New(color.FgGreen).SprintFunc()
	errorColor   = color.New(color.FgRed).SprintFunc()
	warningColor = color.New(color.FgYellow).SprintFunc()
)

func logInfo(format string, args ...interface{}) {
	log.Printf("%s %s", infoColor("[INFO]"), fmt.Sprintf(format, args...))
}

func logSuccess(format string, args ...interface{}) {
	log.Printf("%s %s", successColor("[SUCCESS]"), fmt.Sprintf(format, args...))
}

func logError(format string, args ...interface{}) {
	log.Printf("%s %s", errorColor("[ERROR]"), fmt.Sprintf(format, args...))
}

func logWarning(format string, args ...interface{}) {
	log.Printf("%s %s", warningColor("[WARNING]"), fmt.Sprintf(format, args...))
}

func prettyPrintJSON(data interface{}) {
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		logError("Failed to marshal JSON: %v", err)
		return
	}
	fmt.Println(string(jsonBytes))
}

func splitList(s string) []interface{} {
	var out []interface{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func loadParams(path string) (map[string]interface{}, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	params := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("invalid params file %s: %w", path, err)
	}
	return params, nil
}

// OrchestratorClient wraps the Connect clients of the orchestrator procedures
type OrchestratorClient struct {
	orchestrate *connect.Client[structpb.Struct, structpb.Struct]
	cancel      *connect.Client[structpb.Struct, structpb.Struct]
}

func NewOrchestratorClient(baseURL string) *OrchestratorClient {
	return &OrchestratorClient{
		orchestrate: connect.NewClient[structpb.Struct, structpb.Struct](http.DefaultClient, baseURL+orchestrateProcedure),
		cancel:      connect.NewClient[structpb.Struct, structpb.Struct](http.DefaultClient, baseURL+cancelProcedure),
	}
}

func (c *OrchestratorClient) Orchestrate(ctx context.Context, fields map[string]interface{}) (map[string]interface{}, error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	resp, err := c.orchestrate.CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg.AsMap(), nil
}

func (c *OrchestratorClient) Cancel(ctx context.Context, id string) error {
	msg, err := structpb.NewStruct(map[string]interface{}{"build_id": id})
	if err != nil {
		return err
	}
	_, err = c.cancel.CallUnary(ctx, connect.NewRequest(msg))
	return err
}

func main() {
	flag.Parse()

	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	client := NewOrchestratorClient(*serverAddr)

	if *cancelOnly {
		if *buildID == "" {
			logError("-cancel requires -build-id")
			os.Exit(2)
		}
		if err := client.Cancel(context.Background(), *buildID); err != nil {
			logError("Failed to cancel orchestration %s: %v", *buildID, err)
			os.Exit(1)
		}
		logSuccess("Orchestration %s cancelled", *buildID)
		return
	}

	if *buildID == "" {
		*buildID = fmt.Sprintf("orch-cli-%d", time.Now().Unix())
	}

	params, err := loadParams(*paramsFile)
	if err != nil {
		logError("%v", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Ctrl+C cancels the orchestration on the server, which cancels its worker builds
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		logWarning("Interrupt received, cancelling orchestration %s", *buildID)
		cancelCtx, cancelTimeout := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelTimeout()
		if err := client.Cancel(cancelCtx, *buildID); err != nil {
			logError("Failed to cancel orchestration: %v", err)
		}
	}()

	request := map[string]interface{}{
		"build_id":  *buildID,
		"platforms": splitList(*platforms),
	}
	if excluded := splitList(*exclude); len(excluded) > 0 {
		request["exclude_platforms"] = excluded
	}
	if *builderImage != "" {
		request["builder_image"] = *builderImage
	}
	if *release != "" {
		request["release"] = *release
	}
	if params != nil {
		request["build_params"] = params
	}

	logInfo("Starting orchestration %s for platforms %s", *buildID, *platforms)
	resp, err := client.Orchestrate(ctx, request)
	if err != nil {
		logError("Orchestration failed: %v", err)
		os.Exit(1)
	}

	if *rawOutput {
		prettyPrintJSON(resp)
	}

	if failed, _ := resp["failed"].(bool); failed {
		logError("Orchestration %s failed", *buildID)
		if reasons, ok := resp["fail_reasons"].(map[string]interface{}); ok {
			for platform, reason := range reasons {
				logWarning("%s: %v", platform, reason)
			}
		}
		os.Exit(1)
	}

	if annotations, ok := resp["annotations"].(map[string]interface{}); ok {
		if builds, ok := annotations["worker-builds"].(map[string]interface{}); ok {
			for platform := range builds {
				logSuccess("Platform %s built", platform)
			}
		}
	}
	logSuccess("Orchestration %s completed", *buildID)
}

package workflow

import (
	"time"
)

const (
	DefaultBranch     = "main"
	DefaultImageTag   = "webapp:latest"
	DefaultAppPort    = "3000"
	DefaultScanTarget = "http://localhost:" + DefaultAppPort
	DefaultWarmUp     = 10 * time.Second
	DefaultGoVersion  = "1.24"
)

// Default is the pipeline for the bundled web application: check out,
// install Go, download modules, test, build the image, start it, give it
// time to listen and run a baseline scan against it.
//
// The test step keeps going on failure so an empty or broken suite does not
// block the scan; the compiler reports this as a masked failure.
func Default() Workflow {
	return Workflow{
		Name: "default.yml",
		When: []Constraint{
			{
				Event:  StringList{TriggerKindPush},
				Branch: StringList{DefaultBranch},
			},
		},
		Steps: []Step{
			{
				Name: "Checkout",
				Kind: StepKindCheckout,
			},
			{
				Name:    "Set up Go",
				Kind:    StepKindSetupRuntime,
				Runtime: &RuntimeOpts{Name: "golang", Version: DefaultGoVersion},
			},
			{
				Name:    "Install dependencies",
				Kind:    StepKindRun,
				Command: "go mod download",
			},
			{
				Name:            "Run tests",
				Kind:            StepKindRun,
				Command:         "go test ./...",
				ContinueOnError: true,
			},
			{
				Name:  "Build image",
				Kind:  StepKindBuildImage,
				Image: &ImageOpts{Tag: DefaultImageTag, Context: ".", Dockerfile: "Dockerfile"},
			},
			{
				Name: "Start service",
				Kind: StepKindStartService,
				Service: &ServiceOpts{
					Image:       DefaultImageTag,
					Ports:       []string{DefaultAppPort + ":" + DefaultAppPort},
					Environment: map[string]string{"PORT": DefaultAppPort},
				},
			},
			{
				Name: "Warm up",
				Kind: StepKindWait,
				Wait: &WaitOpts{Duration: Duration(DefaultWarmUp)},
			},
			{
				Name: "Security scan",
				Kind: StepKindScan,
				Scan: &ScanOpts{Target: DefaultScanTarget},
			},
		},
	}
}

package workflow

import "fmt"

// Kind identifies a compound operation.
type Kind string

const (
	// KindMigrate moves a service to a new deployment, optionally carrying data.
	KindMigrate Kind = "migrate"

	// KindRecreate tears a service down and deploys it again in place.
	KindRecreate Kind = "recreate"

	// KindPort moves a service to another deployer backend.
	KindPort Kind = "port"
)

// Validate checks if the workflow kind is valid.
func (k Kind) Validate() error {
	switch k {
	case KindMigrate, KindRecreate, KindPort:
		return nil
	default:
		return fmt.Errorf("invalid workflow kind: %s", k)
	}
}

// Phase is one node of a workflow's phase graph.
type Phase string

const (
	PhaseDeployNew       Phase = "deploy_new"
	PhaseDataExport      Phase = "data_export"
	PhaseDataImport      Phase = "data_import"
	PhaseDestroyOld      Phase = "destroy_old"
	PhaseDestroyExisting Phase = "destroy_existing"
	PhaseDeployFresh     Phase = "deploy_fresh"
)

// StepKind is what the child order of a phase does.
type StepKind string

const (
	StepDeploy     StepKind = "deploy"
	StepDestroy    StepKind = "destroy"
	StepDataExport StepKind = "data_export"
	StepDataImport StepKind = "data_import"
)

// Target selects which service a step acts on.
type Target string

const (
	// TargetSource is the service the workflow was started for.
	TargetSource Target = "source"

	// TargetDestination is the service the workflow produces. For Recreate it is the source.
	TargetDestination Target = "destination"
)

// Step describes the child order a phase creates.
type Step struct {
	Phase  Phase    `json:"phase"`
	Kind   StepKind `json:"kind"`
	Target Target   `json:"target"`
}

// Resolution tells operators what infrastructure a finished workflow left behind.
type Resolution string

const (
	ResolutionNone      Resolution = ""
	ResolutionCompleted Resolution = "completed"

	// ResolutionSourceIntact means the new deployment never came up; the source is untouched.
	ResolutionSourceIntact Resolution = "source_intact"

	// ResolutionSourceIntactNewDeployed means the new deployment exists next to the
	// untouched source because a data phase failed.
	ResolutionSourceIntactNewDeployed Resolution = "source_intact_new_deployed"

	// ResolutionPartialSuccess means the new deployment is live but the old one
	// could not be destroyed. No automatic rollback is attempted.
	ResolutionPartialSuccess Resolution = "partial_success"

	// ResolutionPriorStateRetained means Recreate could not destroy the existing
	// resources; they remain in their prior state.
	ResolutionPriorStateRetained Resolution = "prior_state_retained"

	// ResolutionServiceUndeployed means Recreate destroyed the service but could not
	// deploy it again.
	ResolutionServiceUndeployed Resolution = "service_undeployed"
)

// Driver is the fixed phase graph of one compound operation.
type Driver interface {
	Kind() Kind
	Steps(carryData bool) []Step
	// FailureResolution reports what is left behind when phase fails terminally.
	FailureResolution(phase Phase) Resolution
}

type migrateDriver struct{}

func (migrateDriver) Kind() Kind { return KindMigrate }

func (migrateDriver) Steps(carryData bool) []Step {
	steps := []Step{{Phase: PhaseDeployNew, Kind: StepDeploy, Target: TargetDestination}}
	if carryData {
		steps = append(steps,
			Step{Phase: PhaseDataExport, Kind: StepDataExport, Target: TargetSource},
			Step{Phase: PhaseDataImport, Kind: StepDataImport, Target: TargetDestination},
		)
	}
	return append(steps, Step{Phase: PhaseDestroyOld, Kind: StepDestroy, Target: TargetSource})
}

func (migrateDriver) FailureResolution(phase Phase) Resolution {
	switch phase {
	case PhaseDeployNew:
		return ResolutionSourceIntact
	case PhaseDataExport, PhaseDataImport:
		return ResolutionSourceIntactNewDeployed
	default:
		return ResolutionPartialSuccess
	}
}

type recreateDriver struct{}

func (recreateDriver) Kind() Kind { return KindRecreate }

func (recreateDriver) Steps(bool) []Step {
	return []Step{
		{Phase: PhaseDestroyExisting, Kind: StepDestroy, Target: TargetSource},
		{Phase: PhaseDeployFresh, Kind: StepDeploy, Target: TargetDestination},
	}
}

func (recreateDriver) FailureResolution(phase Phase) Resolution {
	if phase == PhaseDestroyExisting {
		return ResolutionPriorStateRetained
	}
	return ResolutionServiceUndeployed
}

type portDriver struct{}

func (portDriver) Kind() Kind { return KindPort }

func (portDriver) Steps(bool) []Step {
	return []Step{
		{Phase: PhaseDeployNew, Kind: StepDeploy, Target: TargetDestination},
		{Phase: PhaseDestroyOld, Kind: StepDestroy, Target: TargetSource},
	}
}

func (portDriver) FailureResolution(phase Phase) Resolution {
	if phase == PhaseDeployNew {
		return ResolutionSourceIntact
	}
	return ResolutionPartialSuccess
}

var (
	Migrate  Driver = migrateDriver{}
	Recreate Driver = recreateDriver{}
	Port     Driver = portDriver{}
)

// DriverFor returns the driver for kind.
func DriverFor(kind Kind) (Driver, error) {
	switch kind {
	case KindMigrate:
		return Migrate, nil
	case KindRecreate:
		return Recreate, nil
	case KindPort:
		return Port, nil
	default:
		return nil, fmt.Errorf("invalid workflow kind: %s", kind)
	}
}

// StepFor returns the step of phase in kind's graph.
func StepFor(kind Kind, carryData bool, phase Phase) (Step, error) {
	d, err := DriverFor(kind)
	if err != nil {
		return Step{}, err
	}
	for _, s := range d.Steps(carryData) {
		if s.Phase == phase {
			return s, nil
		}
	}
	return Step{}, fmt.Errorf("phase %s is not part of %s", phase, kind)
}

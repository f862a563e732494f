package workflow

import (
	"strings"
	"testing"
)

func TestStart(t *testing.T) {
	tests := []struct {
		kind      Kind
		carryData bool
		wantPhase Phase
		wantKind  StepKind
	}{
		{KindMigrate, false, PhaseDeployNew, StepDeploy},
		{KindMigrate, true, PhaseDeployNew, StepDeploy},
		{KindRecreate, false, PhaseDestroyExisting, StepDestroy},
		{KindPort, false, PhaseDeployNew, StepDeploy},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			state, step, err := Start(tt.kind, tt.carryData, DefaultMaxRetries)
			if err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			if state.Phase != tt.wantPhase {
				t.Errorf("expected phase %s, got %s", tt.wantPhase, state.Phase)
			}
			if step.Kind != tt.wantKind {
				t.Errorf("expected step kind %s, got %s", tt.wantKind, step.Kind)
			}
			if state.RetryCount != 0 {
				t.Errorf("expected retry count 0, got %d", state.RetryCount)
			}
		})
	}

	if _, _, err := Start("rollout", false, 2); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, _, err := Start(KindPort, false, -1); err == nil {
		t.Error("expected error for negative retries")
	}
}

// walk drives a workflow to completion with every phase succeeding and returns the
// phases in the order they ran.
func walk(t *testing.T, kind Kind, carryData bool) []Phase {
	t.Helper()

	state, step, err := Start(kind, carryData, DefaultMaxRetries)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	phases := []Phase{step.Phase}
	for i := 0; i < 10; i++ {
		d, err := Next(state, Outcome{Success: true})
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		switch d.Action {
		case ActionComplete:
			if d.Resolution != ResolutionCompleted {
				t.Errorf("expected completed resolution, got %s", d.Resolution)
			}
			return phases
		case ActionAdvance:
			phases = append(phases, d.Phase)
			state.Phase = d.Phase
			state.RetryCount = d.RetryCount
		default:
			t.Fatalf("unexpected action %s", d.Action)
		}
	}
	t.Fatal("workflow did not complete")
	return nil
}

func TestPhaseOrder(t *testing.T) {
	tests := []struct {
		name      string
		kind      Kind
		carryData bool
		want      []Phase
	}{
		{"migrate", KindMigrate, false, []Phase{PhaseDeployNew, PhaseDestroyOld}},
		{"migrate with data", KindMigrate, true, []Phase{PhaseDeployNew, PhaseDataExport, PhaseDataImport, PhaseDestroyOld}},
		{"recreate", KindRecreate, false, []Phase{PhaseDestroyExisting, PhaseDeployFresh}},
		{"recreate ignores data", KindRecreate, true, []Phase{PhaseDestroyExisting, PhaseDeployFresh}},
		{"port", KindPort, false, []Phase{PhaseDeployNew, PhaseDestroyOld}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := walk(t, tt.kind, tt.carryData)
			if len(got) != len(tt.want) {
				t.Fatalf("expected phases %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("phase %d: expected %s, got %s", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestRetryBound(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 2, 3} {
		state, _, err := Start(KindRecreate, false, maxRetries)
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		attempts := 1
		for {
			d, err := Next(state, Outcome{Success: false, Error: "boom"})
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if d.Action == ActionFail {
				if d.Attempts != attempts {
					t.Errorf("maxRetries=%d: decision reports %d attempts, counted %d", maxRetries, d.Attempts, attempts)
				}
				break
			}
			if d.Action != ActionRetry {
				t.Fatalf("expected retry, got %s", d.Action)
			}
			if d.Phase != PhaseDestroyExisting {
				t.Errorf("retry moved to phase %s", d.Phase)
			}
			attempts++
			state.RetryCount = d.RetryCount
		}

		if attempts != maxRetries+1 {
			t.Errorf("maxRetries=%d: expected %d attempts, got %d", maxRetries, maxRetries+1, attempts)
		}
	}
}

func TestFailureResolutions(t *testing.T) {
	tests := []struct {
		kind      Kind
		carryData bool
		phase     Phase
		want      Resolution
	}{
		{KindMigrate, false, PhaseDeployNew, ResolutionSourceIntact},
		{KindMigrate, true, PhaseDataExport, ResolutionSourceIntactNewDeployed},
		{KindMigrate, true, PhaseDataImport, ResolutionSourceIntactNewDeployed},
		{KindMigrate, false, PhaseDestroyOld, ResolutionPartialSuccess},
		{KindRecreate, false, PhaseDestroyExisting, ResolutionPriorStateRetained},
		{KindRecreate, false, PhaseDeployFresh, ResolutionServiceUndeployed},
		{KindPort, false, PhaseDeployNew, ResolutionSourceIntact},
		{KindPort, false, PhaseDestroyOld, ResolutionPartialSuccess},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+string(tt.phase), func(t *testing.T) {
			d, err := Next(State{
				Kind:       tt.kind,
				CarryData:  tt.carryData,
				Phase:      tt.phase,
				RetryCount: DefaultMaxRetries,
				MaxRetries: DefaultMaxRetries,
			}, Outcome{Error: "provider quota exceeded"})
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if d.Action != ActionFail {
				t.Fatalf("expected fail, got %s", d.Action)
			}
			if d.Resolution != tt.want {
				t.Errorf("expected resolution %s, got %s", tt.want, d.Resolution)
			}
			if !strings.Contains(d.Message, string(tt.phase)) || !strings.Contains(d.Message, "3 attempts") {
				t.Errorf("message should name phase and attempts: %q", d.Message)
			}
		})
	}
}

func TestRecreateDestroyFailureNeverDeploys(t *testing.T) {
	state, _, _ := Start(KindRecreate, false, DefaultMaxRetries)
	for i := 0; i <= DefaultMaxRetries; i++ {
		d, err := Next(state, Outcome{Error: "destroy failed"})
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if d.Step.Kind == StepDeploy {
			t.Fatal("deploy step scheduled after destroy failure")
		}
		state.RetryCount = d.RetryCount
	}
}

func TestSuccessAfterRetryResetsCount(t *testing.T) {
	state := State{Kind: KindPort, Phase: PhaseDeployNew, RetryCount: 1, MaxRetries: 2}
	d, err := Next(state, Outcome{Success: true})
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if d.Action != ActionAdvance || d.Phase != PhaseDestroyOld {
		t.Fatalf("expected advance to destroy_old, got %s %s", d.Action, d.Phase)
	}
	if d.RetryCount != 0 {
		t.Errorf("expected retry count 0 for new phase, got %d", d.RetryCount)
	}
	if d.Step.Target != TargetSource {
		t.Errorf("destroy_old must act on the source, got %s", d.Step.Target)
	}
}

func TestNextRejectsForeignPhase(t *testing.T) {
	_, err := Next(State{Kind: KindRecreate, Phase: PhaseDataExport}, Outcome{Success: true})
	if err == nil {
		t.Fatal("expected error for phase outside the graph")
	}

	_, err = Next(State{Kind: KindMigrate, Phase: PhaseDataImport}, Outcome{Success: true})
	if err == nil {
		t.Fatal("expected error for data phase when data is not carried")
	}
}

func TestStepFor(t *testing.T) {
	step, err := StepFor(KindMigrate, true, PhaseDataImport)
	if err != nil {
		t.Fatalf("StepFor() error = %v", err)
	}
	if step.Kind != StepDataImport || step.Target != TargetDestination {
		t.Errorf("unexpected step %+v", step)
	}

	if _, err := StepFor(KindPort, false, PhaseDeployFresh); err == nil {
		t.Error("expected error for phase outside port graph")
	}
}

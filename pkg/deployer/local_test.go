package deployer_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-cp/stratus/pkg/deployer"
	"github.com/stratus-cp/stratus/pkg/engine"
)

// scriptedTool stands in for the terraform binary.
type scriptedTool struct {
	applyErr bool
	block    chan struct{}

	mu    sync.Mutex
	calls []string
	vars  map[string]interface{}
	files map[string]string
}

func (s *scriptedTool) run(ctx context.Context, dir string, _ []string, stdout io.Writer, name string, args ...string) error {
	s.mu.Lock()
	s.calls = append(s.calls, name+" "+args[0])
	s.mu.Unlock()

	switch args[0] {
	case "init":
		return nil
	case "apply", "destroy":
		if raw, err := os.ReadFile(filepath.Join(dir, deployer.VariablesFile)); err == nil {
			s.mu.Lock()
			_ = json.Unmarshal(raw, &s.vars)
			s.files = readTree(dir)
			s.mu.Unlock()
		}
		if s.block != nil {
			select {
			case <-s.block:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		fmt.Fprintln(stdout, `{"@level":"info","@message":"Terraform 1.9.5","type":"version","terraform":"1.9.5"}`)
		fmt.Fprintln(stdout, "plain provider output")
		if s.applyErr {
			fmt.Fprintln(stdout, `{"@level":"error","@message":"Error: quota exceeded","type":"diagnostic","diagnostic":{"severity":"error","summary":"quota exceeded","detail":"cores"}}`)
			return errors.New("exit status 1")
		}
		fmt.Fprintln(stdout, `{"@level":"info","@message":"Apply complete!","type":"change_summary"}`)
		return os.WriteFile(filepath.Join(dir, deployer.StateFile), []byte(`{"version":4,"resources":[]}`), 0o600)
	case "output":
		_, err := io.WriteString(stdout, `{"address":{"value":"10.0.0.5","type":"string"},"dump":{"value":"s3://bucket/dump.sql","type":"string"}}`)
		return err
	}
	return fmt.Errorf("unexpected command %v", args)
}

func (s *scriptedTool) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func readTree(dir string) map[string]string {
	files := map[string]string{}
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		raw, _ := os.ReadFile(path)
		files[rel] = string(raw)
		return nil
	})
	return files
}

type outcomeCh chan engine.Outcome

func (c outcomeCh) report(o engine.Outcome) { c <- o }

func newLocal(t *testing.T, tool *scriptedTool) *deployer.LocalExecutor {
	t.Helper()
	exec, err := deployer.NewLocalExecutor(deployer.LocalConfig{
		WorkDir: t.TempDir(),
		Runner:  tool.run,
	}, nil)
	require.NoError(t, err)
	return exec
}

func localRun(token string, op engine.Operation, payload string) *deployer.Run {
	p, err := engine.DecodePayload([]byte(payload))
	if err != nil {
		panic(err)
	}
	return &deployer.Run{
		Token:   token,
		Order:   &engine.Order{ID: "order-" + token, Operation: op},
		Payload: p,
	}
}

func TestLocalExecutorDeploy(t *testing.T) {
	tool := &scriptedTool{}
	exec := newLocal(t, tool)
	done := make(outcomeCh, 1)

	run := localRun("tok-1", engine.OperationDeploy, `{
		"template": {"source": "git::https://example.com/app.git"},
		"variables": {"size": "small"},
		"state": "{\"version\":4}"
	}`)
	require.NoError(t, exec.Start(context.Background(), run, done.report))
	outcome := <-done

	require.True(t, outcome.Success, outcome.Error)
	assert.Equal(t, "terraform/1.9.5", outcome.DeployerVersion)
	assert.Contains(t, outcome.Artifacts[engine.ArtifactState], `"version":4`)
	assert.Contains(t, outcome.Artifacts[engine.ArtifactOutputs], "10.0.0.5")
	assert.Contains(t, outcome.Artifacts[engine.ArtifactLog], "plain provider output")
	assert.NotContains(t, outcome.Artifacts, "address", "only actions flatten outputs")

	assert.Equal(t, []string{"terraform init", "terraform apply", "terraform output"}, tool.commands())
	assert.Equal(t, "small", tool.vars["size"])
	assert.Contains(t, tool.files, deployer.StateFile)
}

func TestLocalExecutorInlineFilesAndAction(t *testing.T) {
	tool := &scriptedTool{}
	exec := newLocal(t, tool)
	done := make(outcomeCh, 1)

	run := localRun("tok-2", engine.OperationAction, `{
		"template": {"files": {"main.tf": "# main", "../../escape.tf": "# nope"}},
		"action": "data.export",
		"parameters": {"format": "sql"},
		"inputs": {"dump": "s3://bucket/old.sql"}
	}`)
	require.NoError(t, exec.Start(context.Background(), run, done.report))
	outcome := <-done

	require.True(t, outcome.Success, outcome.Error)
	assert.Equal(t, "s3://bucket/dump.sql", outcome.Artifacts["dump"])
	assert.Equal(t, "10.0.0.5", outcome.Artifacts["address"])

	assert.Equal(t, "# main", tool.files["main.tf"])
	assert.Equal(t, "# nope", tool.files["escape.tf"], "paths are confined to the run directory")
	assert.Equal(t, "data.export", tool.vars["stratus_action"])
	assert.Equal(t, map[string]interface{}{"dump": "s3://bucket/old.sql"}, tool.vars["stratus_inputs"])
}

func TestLocalExecutorFailureUsesDiagnostics(t *testing.T) {
	tool := &scriptedTool{applyErr: true}
	exec := newLocal(t, tool)
	done := make(outcomeCh, 1)

	run := localRun("tok-3", engine.OperationDestroy, `{"template":{"source":"./app"}}`)
	require.NoError(t, exec.Start(context.Background(), run, done.report))
	outcome := <-done

	assert.False(t, outcome.Success)
	assert.Equal(t, "quota exceeded: cores", outcome.Error)
	assert.NotEmpty(t, outcome.Artifacts[engine.ArtifactLog])
	assert.NotContains(t, tool.commands(), "terraform output")
	assert.Contains(t, tool.commands(), "terraform destroy")
}

func TestLocalExecutorCancel(t *testing.T) {
	tool := &scriptedTool{block: make(chan struct{})}
	exec := newLocal(t, tool)
	done := make(outcomeCh, 1)

	run := localRun("tok-4", engine.OperationDeploy, `{"template":{"source":"./app"}}`)
	require.NoError(t, exec.Start(context.Background(), run, done.report))
	waitFor(t, func() bool {
		for _, c := range tool.commands() {
			if c == "terraform apply" {
				return true
			}
		}
		return false
	})

	require.NoError(t, exec.Cancel(context.Background(), "tok-4"))
	outcome := <-done
	assert.False(t, outcome.Success)
	assert.True(t, strings.HasPrefix(outcome.Error, "run cancelled"), outcome.Error)

	err := exec.Cancel(context.Background(), "tok-4")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	require.NoError(t, exec.Shutdown(context.Background()))
}

func TestLocalExecutorRejectsInvalidRuns(t *testing.T) {
	exec := newLocal(t, &scriptedTool{})
	noop := func(engine.Outcome) {}

	err := exec.Start(context.Background(), localRun("t1", engine.OperationLock, `{"template":{"source":"./app"}}`), noop)
	assert.Error(t, err)

	err = exec.Start(context.Background(), localRun("t2", engine.OperationDeploy, `{}`), noop)
	assert.Error(t, err)

	_, err = deployer.NewLocalExecutor(deployer.LocalConfig{}, nil)
	assert.Error(t, err)
}

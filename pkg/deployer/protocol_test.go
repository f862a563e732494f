package deployer_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-cp/stratus/pkg/deployer"
)

func TestSignVerify(t *testing.T) {
	secret := []byte("secret")
	body := []byte(`{"success":true}`)
	sig := deployer.Sign(secret, body)

	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.True(t, deployer.Verify(secret, body, sig))
	assert.False(t, deployer.Verify([]byte("other"), body, sig))
	assert.False(t, deployer.Verify(secret, []byte(`{"success":false}`), sig))
	assert.False(t, deployer.Verify(secret, body, strings.TrimPrefix(sig, "sha256=")))
	assert.False(t, deployer.Verify(secret, body, "sha256=zz"))
}

func TestDecodeCallback(t *testing.T) {
	body, err := deployer.DecodeCallback([]byte(`{"success":false,"deployerVersion":"tofu/1.8.0","error":"boom","artifacts":{"log":"x"}}`))
	require.NoError(t, err)

	outcome := body.Outcome()
	assert.False(t, outcome.Success)
	assert.Equal(t, "tofu/1.8.0", outcome.DeployerVersion)
	assert.Equal(t, "boom", outcome.Error)
	assert.Equal(t, "x", outcome.Artifacts["log"])

	_, err = deployer.DecodeCallback([]byte(`{`))
	assert.Error(t, err)
}

func TestCallbackURL(t *testing.T) {
	assert.Equal(t, "http://cp:8080/v1/callbacks/abc", deployer.CallbackURL("http://cp:8080/", "abc"))
	assert.Equal(t, "http://cp:8080/v1/callbacks/abc", deployer.CallbackURL("http://cp:8080", "abc"))
}

func TestSummarizeRunLog(t *testing.T) {
	log := strings.Join([]string{
		`{"@level":"info","@message":"OpenTofu 1.8.0","type":"version","tofu":"1.8.0"}`,
		``,
		`not json at all`,
		`{"@level":"error","@message":"Error: bad","type":"diagnostic","diagnostic":{"severity":"error","summary":"bad","detail":""}}`,
		`{"@level":"warn","@message":"Warning: meh","type":"diagnostic","diagnostic":{"severity":"warning","summary":"meh"}}`,
	}, "\n")

	summary, err := deployer.Summarize(strings.NewReader(log))
	require.NoError(t, err)
	assert.Equal(t, "tofu/1.8.0", summary.Version)
	assert.Equal(t, []string{"bad"}, summary.Errors)
	assert.Equal(t, 4, summary.Lines)
	assert.Contains(t, summary.Text, "not json at all\n")
}

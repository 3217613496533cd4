package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vilaca/mlsync/internal/domain"
)

func TestCreateOptions_FromFlags(t *testing.T) {
	opts := &createOptions{Name: "test-pipeline", SourceBranch: "master", Type: "experiment", Inputs: []string{"a.csv", "b.csv"}}

	spec, err := opts.spec()

	require.NoError(t, err)
	assert.Equal(t, domain.PipelineTypeExperiment, spec.Type)
	assert.Equal(t, []domain.InputFile{{Location: "a.csv"}, {Location: "b.csv"}}, spec.InputFiles)
}

func TestCreateOptions_FromFile(t *testing.T) {
	// Arrange
	path := filepath.Join(t.TempDir(), "spec.yaml")
	content := `name: test-pipeline
source_branch: master
pipeline_type: VISUALIZATION
input_files:
  - location: data/train.csv
data_operations:
  - slug: commons-add-noise
    parameters:
      - name: stddev
        value: "0.1"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	opts := &createOptions{File: path, SourceBranch: "develop", Type: "DATA"}

	// Act
	spec, err := opts.spec()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "test-pipeline", spec.Name)
	assert.Equal(t, "develop", spec.SourceBranch, "flags override the file")
	assert.Equal(t, domain.PipelineTypeVisualization, spec.Type)
	require.Len(t, spec.Operations, 1)
	assert.Equal(t, "commons-add-noise", spec.Operations[0].Slug)
	assert.Equal(t, []domain.Parameter{{Name: "stddev", Value: "0.1"}}, spec.Operations[0].Parameters)
}

func TestCreateOptions_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name": "p", "source_branch": "main", "pipeline_type": "EXPERIMENT"}`), 0o644))

	spec, err := (&createOptions{File: path, Type: "DATA"}).spec()

	require.NoError(t, err)
	assert.Equal(t, domain.PipelineTypeExperiment, spec.Type)
}

func TestCreateOptions_MissingName(t *testing.T) {
	_, err := (&createOptions{SourceBranch: "master", Type: "DATA"}).spec()

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// setupEnv points the CLI at a stub provider and a temporary descriptor store.
func setupEnv(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	gl := httptest.NewServer(handler)
	t.Cleanup(gl.Close)

	t.Setenv("MLSYNC_CONFIG", "")
	t.Setenv("GITLAB_URL", gl.URL)
	t.Setenv("GITLAB_TOKEN", "test-token")
	t.Setenv("GITLAB_USER", "cli-user")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_PATH", filepath.Join(t.TempDir(), "descriptors.json"))
}

func execute(t *testing.T, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	return &out, cmd.Execute()
}

func TestPipelineCreateAndList(t *testing.T) {
	// Arrange
	setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	// Act
	_, err := execute(t, "pipeline", "create", "42", "--name", "test-pipeline", "--source-branch", "master")
	require.NoError(t, err)
	_, err = execute(t, "pipeline", "create", "42", "--name", "test-pipeline", "--source-branch", "master")
	require.NoError(t, err)
	out, err := execute(t, "--format", "json", "pipeline", "list", "42")

	// Assert
	require.NoError(t, err)
	var resp struct {
		Status string
		Data   []domain.PipelineDescriptor
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "data-pipeline-test-pipeline-1", resp.Data[0].Slug)
	assert.Equal(t, "data-pipeline-test-pipeline-2", resp.Data[1].Slug)
	assert.Equal(t, domain.DescriptorCreated, resp.Data[1].State)
}

func TestMergeRequestShow_NotFound(t *testing.T) {
	setupEnv(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	out, err := execute(t, "mr", "show", "42", "7")

	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out.String(), "FAILED:")
}

func TestMergeRequestShow_InvalidIID(t *testing.T) {
	_, err := execute(t, "mr", "show", "42", "seven")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMergeRequestEdit_NothingToEdit(t *testing.T) {
	_, err := execute(t, "mr", "edit", "42", "7")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

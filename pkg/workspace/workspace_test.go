package workspace

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/decagondev/section-ai-test-mark-mvp/pkg/sandbox"
)

type stubRunner struct {
	result   sandbox.RunResult
	err      error
	requests []sandbox.RunRequest
	onRun    func(req sandbox.RunRequest) (sandbox.RunResult, error)
}

func (r *stubRunner) Run(ctx context.Context, req sandbox.RunRequest) (sandbox.RunResult, error) {
	r.requests = append(r.requests, req)
	if r.onRun != nil {
		return r.onRun(req)
	}
	return r.result, r.err
}

func newTestManager(runner sandbox.Runner) *Manager {
	return NewManager(runner, Config{Root: os.TempDir()}, zerolog.New(io.Discard))
}

func TestAcquireCreatesDisposableWorkspace(t *testing.T) {
	runner := &stubRunner{result: sandbox.RunResult{ExitCode: 0}}
	manager := newTestManager(runner)

	dir, err := manager.Acquire(context.Background(), "https://github.com/example/project")
	require.NoError(t, err)
	require.DirExists(t, dir)
	defer manager.Cleanup(dir)

	require.Len(t, runner.requests, 1)
	req := runner.requests[0]
	require.Equal(t, cloneImage, req.Image)
	require.Contains(t, req.Cmd, "--depth")
	require.True(t, req.AllowNetwork)
	require.Equal(t, dir, req.Workspace)
}

func TestAcquireClassifiesMissingRepo(t *testing.T) {
	runner := &stubRunner{result: sandbox.RunResult{
		ExitCode: 128,
		Stderr:   "fatal: repository 'https://github.com/example/gone/' not found",
	}}
	manager := newTestManager(runner)

	_, err := manager.Acquire(context.Background(), "https://github.com/example/gone")
	require.ErrorIs(t, err, ErrRepoNotFound)
}

func TestAcquireClassifiesAccessDenied(t *testing.T) {
	runner := &stubRunner{result: sandbox.RunResult{
		ExitCode: 128,
		Stderr:   "fatal: could not read Username for 'https://github.com': terminal prompts disabled",
	}}
	manager := newTestManager(runner)

	_, err := manager.Acquire(context.Background(), "https://github.com/example/private")
	require.ErrorIs(t, err, ErrRepoAccessDenied)
}

func TestAcquireClassifiesTimeout(t *testing.T) {
	runner := &stubRunner{result: sandbox.RunResult{ExitCode: -1, TimedOut: true}}
	manager := newTestManager(runner)

	_, err := manager.Acquire(context.Background(), "https://github.com/example/slow")
	require.ErrorIs(t, err, ErrCloneTimeout)
}

func TestInstallRequiresManifest(t *testing.T) {
	runner := &stubRunner{result: sandbox.RunResult{ExitCode: 0}}
	manager := newTestManager(runner)
	dir := t.TempDir()

	err := manager.Install(context.Background(), dir, "express")
	require.ErrorIs(t, err, ErrManifestMissing)
	// The sandbox is never invoked for a manifest that is not there.
	require.Empty(t, runner.requests)
}

func TestInstallClassifiesFailures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"demo"}`), 0o644))

	t.Run("nonzero exit", func(t *testing.T) {
		runner := &stubRunner{result: sandbox.RunResult{ExitCode: 1, Stderr: "npm ERR! peer dep conflict"}}
		err := newTestManager(runner).Install(context.Background(), dir, "express")
		require.ErrorIs(t, err, ErrInstallFailed)
		require.Contains(t, err.Error(), "peer dep conflict")
	})

	t.Run("timeout", func(t *testing.T) {
		runner := &stubRunner{result: sandbox.RunResult{TimedOut: true}}
		err := newTestManager(runner).Install(context.Background(), dir, "express")
		require.ErrorIs(t, err, ErrInstallTimeout)
	})

	t.Run("runner error", func(t *testing.T) {
		runner := &stubRunner{err: errors.New("docker daemon unreachable")}
		err := newTestManager(runner).Install(context.Background(), dir, "express")
		require.ErrorIs(t, err, ErrInstallFailed)
	})
}

func TestInstallUnknownProjectType(t *testing.T) {
	manager := newTestManager(&stubRunner{})
	err := manager.Install(context.Background(), t.TempDir(), "cobol")
	require.ErrorIs(t, err, ErrUnknownProjectType)
}

func TestRunTestsFailingSuiteIsAResult(t *testing.T) {
	runner := &stubRunner{result: sandbox.RunResult{
		ExitCode: 1,
		Stdout:   "Tests:       3 failed, 7 passed, 10 total",
		Duration: 1500 * time.Millisecond,
	}}
	manager := newTestManager(runner)

	summary, err := manager.RunTests(context.Background(), t.TempDir(), "express")
	require.NoError(t, err)
	require.Equal(t, 7, summary.Passed)
	require.Equal(t, 10, summary.Total)
	require.Equal(t, 1.5, summary.DurationSeconds)
}

func TestRunTestsRunnerFailureIsFatal(t *testing.T) {
	runner := &stubRunner{err: errors.New("image pull failed")}
	manager := newTestManager(runner)

	_, err := manager.RunTests(context.Background(), t.TempDir(), "express")
	require.ErrorIs(t, err, ErrRunnerStart)
}

func TestRunTestsTimeoutIsFatal(t *testing.T) {
	runner := &stubRunner{result: sandbox.RunResult{TimedOut: true}}
	manager := newTestManager(runner)

	_, err := manager.RunTests(context.Background(), t.TempDir(), "express")
	require.ErrorIs(t, err, ErrRunnerStart)
}

func TestDependenciesReadsManifest(t *testing.T) {
	dir := t.TempDir()
	manifest := `{
		"name": "demo",
		"dependencies": {"express": "^4.18.0", "pg": "^8.11.0"},
		"devDependencies": {"jest": "^29.0.0"}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644))

	manager := newTestManager(&stubRunner{})
	deps := manager.Dependencies(dir, "express")
	require.ElementsMatch(t, []string{"express", "pg", "jest"}, deps)
}

func TestDependenciesNativeProjectsHaveNone(t *testing.T) {
	manager := newTestManager(&stubRunner{})
	require.Nil(t, manager.Dependencies(t.TempDir(), "cpp"))
}

func TestCleanupRemovesWorkspace(t *testing.T) {
	manager := newTestManager(&stubRunner{})
	dir, err := os.MkdirTemp(t.TempDir(), "grading-")
	require.NoError(t, err)

	manager.Cleanup(dir)
	require.NoDirExists(t, dir)
}

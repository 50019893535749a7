package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/decagondev/section-ai-test-mark-mvp/internal/models"
	"github.com/decagondev/section-ai-test-mark-mvp/pkg/sandbox"
)

// Acquisition failures.
var (
	ErrRepoNotFound     = errors.New("repository not found")
	ErrRepoAccessDenied = errors.New("repository access denied")
	ErrCloneTimeout     = errors.New("repository clone timed out")
)

// Installation failures.
var (
	ErrManifestMissing = errors.New("dependency manifest missing")
	ErrInstallFailed   = errors.New("dependency installation failed")
	ErrInstallTimeout  = errors.New("dependency installation timed out")
)

// ErrRunnerStart indicates the test runner environment could not execute at
// all, as opposed to a suite that ran and reported failures.
var ErrRunnerStart = errors.New("test runner could not start")

// ErrUnknownProjectType indicates no toolchain exists for the declared type.
var ErrUnknownProjectType = errors.New("unknown project type")

// Config groups workspace manager knobs.
type Config struct {
	Root           string
	CloneTimeout   time.Duration
	InstallTimeout time.Duration
	TestTimeout    time.Duration
}

// Manager acquires repositories into disposable workspaces and runs the
// project toolchain against them through the sandbox.
type Manager struct {
	runner sandbox.Runner
	cfg    Config
	logger zerolog.Logger
}

// NewManager constructs a workspace manager.
func NewManager(runner sandbox.Runner, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.Root == "" {
		cfg.Root = os.TempDir()
	}
	if cfg.CloneTimeout <= 0 {
		cfg.CloneTimeout = 2 * time.Minute
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = 5 * time.Minute
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = 5 * time.Minute
	}

	return &Manager{
		runner: runner,
		cfg:    cfg,
		logger: logger.With().Str("component", "workspace").Logger(),
	}
}

// Acquire clones the repository into a fresh disposable workspace and returns
// its path. The caller owns removal via Cleanup.
func (m *Manager) Acquire(ctx context.Context, repoURL string) (string, error) {
	dir, err := os.MkdirTemp(m.cfg.Root, "grading-")
	if err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	result, runErr := m.runner.Run(ctx, sandbox.RunRequest{
		Image:        cloneImage,
		Cmd:          []string{"clone", "--depth", "1", repoURL, "."},
		Timeout:      m.cfg.CloneTimeout,
		Workspace:    dir,
		AllowNetwork: true,
	})

	if runErr != nil || result.ExitCode != 0 {
		os.RemoveAll(dir)
		return "", classifyCloneFailure(result, runErr)
	}

	return dir, nil
}

// Install resolves the project's declared dependencies inside the workspace.
func (m *Manager) Install(ctx context.Context, dir, projectType string) error {
	tc, ok := ToolchainFor(projectType)
	if !ok {
		return ErrUnknownProjectType
	}

	if _, err := os.Stat(filepath.Join(dir, tc.Manifest)); err != nil {
		return fmt.Errorf("%w: %s", ErrManifestMissing, tc.Manifest)
	}

	result, runErr := m.runner.Run(ctx, sandbox.RunRequest{
		Image:        tc.Image,
		Cmd:          tc.InstallCmd,
		Timeout:      m.cfg.InstallTimeout,
		Workspace:    dir,
		AllowNetwork: true,
	})

	switch {
	case result.TimedOut:
		return fmt.Errorf("%w after %s", ErrInstallTimeout, m.cfg.InstallTimeout)
	case runErr != nil:
		return fmt.Errorf("%w: %v", ErrInstallFailed, runErr)
	case result.ExitCode != 0:
		return fmt.Errorf("%w: %s", ErrInstallFailed, outputTail(result.Stderr, 500))
	default:
		return nil
	}
}

// RunTests executes the project's test suite and parses the structured
// outcome. A failing suite is a result, not an error; only an execution
// environment failure (the runner not starting, or the bounded timeout
// expiring) is returned as an error.
func (m *Manager) RunTests(ctx context.Context, dir, projectType string) (models.TestRunSummary, error) {
	tc, ok := ToolchainFor(projectType)
	if !ok {
		return models.TestRunSummary{}, ErrUnknownProjectType
	}

	result, runErr := m.runner.Run(ctx, sandbox.RunRequest{
		Image:     tc.Image,
		Cmd:       tc.TestCmd,
		Timeout:   m.cfg.TestTimeout,
		Workspace: dir,
	})

	if result.TimedOut {
		return models.TestRunSummary{}, fmt.Errorf("%w: timed out after %s", ErrRunnerStart, m.cfg.TestTimeout)
	}
	if runErr != nil {
		return models.TestRunSummary{}, fmt.Errorf("%w: %v", ErrRunnerStart, runErr)
	}

	combined := result.Stdout
	if result.Stderr != "" {
		combined = combined + "\n" + result.Stderr
	}

	summary, parsed := ParseTestOutput(combined)
	summary.DurationSeconds = result.Duration.Seconds()
	if !parsed {
		m.logger.Warn().Str("project_type", projectType).Msg("test output not parseable, recording raw detail")
	}

	return summary, nil
}

// Dependencies reads the declared dependency names out of the workspace
// manifest. Absence of declared dependencies is not an error.
func (m *Manager) Dependencies(dir, projectType string) []string {
	tc, ok := ToolchainFor(projectType)
	if !ok || tc.Manifest != "package.json" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(dir, tc.Manifest))
	if err != nil {
		return nil
	}

	names := make([]string, 0, 16)
	for _, section := range []string{"dependencies", "devDependencies"} {
		gjson.GetBytes(data, section).ForEach(func(key, _ gjson.Result) bool {
			names = append(names, key.String())
			return true
		})
	}

	return names
}

// Cleanup removes a workspace directory, logging rather than failing.
func (m *Manager) Cleanup(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn().Err(err).Str("workspace", dir).Msg("failed to remove workspace")
	}
}

func classifyCloneFailure(result sandbox.RunResult, runErr error) error {
	if result.TimedOut {
		return fmt.Errorf("%w after clone deadline", ErrCloneTimeout)
	}

	stderr := strings.ToLower(result.Stderr)
	switch {
	case strings.Contains(stderr, "not found") || strings.Contains(stderr, "does not exist"):
		return fmt.Errorf("%w: %s", ErrRepoNotFound, outputTail(result.Stderr, 300))
	case strings.Contains(stderr, "authentication") ||
		strings.Contains(stderr, "could not read username") ||
		strings.Contains(stderr, "access denied") ||
		strings.Contains(stderr, "permission denied"):
		return fmt.Errorf("%w: %s", ErrRepoAccessDenied, outputTail(result.Stderr, 300))
	case runErr != nil:
		return fmt.Errorf("%w: %v", ErrRepoNotFound, runErr)
	default:
		return fmt.Errorf("%w: %s", ErrRepoNotFound, outputTail(result.Stderr, 300))
	}
}

func outputTail(output string, limit int) string {
	output = strings.TrimSpace(output)
	if len(output) <= limit {
		return output
	}
	return output[len(output)-limit:]
}

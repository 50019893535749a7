package workspace

import "github.com/decagondev/section-ai-test-mark-mvp/internal/models"

// Toolchain binds a project type to the container images and commands used to
// acquire, install, and test it.
type Toolchain struct {
	Image      string
	Manifest   string
	InstallCmd []string
	TestCmd    []string
}

const cloneImage = "alpine/git:latest"

var toolchains = map[string]Toolchain{
	models.ProjectTypeExpress: {
		Image:      "node:20-alpine",
		Manifest:   "package.json",
		InstallCmd: []string{"sh", "-c", "npm ci --no-audit --no-fund 2>/dev/null || npm install --no-audit --no-fund"},
		TestCmd:    []string{"sh", "-c", "CI=true npm test"},
	},
	models.ProjectTypeReact: {
		Image:      "node:20-alpine",
		Manifest:   "package.json",
		InstallCmd: []string{"sh", "-c", "npm ci --no-audit --no-fund 2>/dev/null || npm install --no-audit --no-fund"},
		TestCmd:    []string{"sh", "-c", "CI=true npm test -- --watchAll=false"},
	},
	models.ProjectTypeFullstack: {
		Image:      "node:20-alpine",
		Manifest:   "package.json",
		InstallCmd: []string{"sh", "-c", "npm ci --no-audit --no-fund 2>/dev/null || npm install --no-audit --no-fund"},
		TestCmd:    []string{"sh", "-c", "CI=true npm test"},
	},
	models.ProjectTypeCPP: {
		Image:      "gcc:13",
		Manifest:   "Makefile",
		InstallCmd: []string{"sh", "-c", "make"},
		TestCmd:    []string{"sh", "-c", "make test"},
	},
}

// ToolchainFor returns the toolchain for a project type.
func ToolchainFor(projectType string) (Toolchain, bool) {
	tc, ok := toolchains[projectType]
	return tc, ok
}

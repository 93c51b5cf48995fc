package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultCaseTimeout bounds each browser case.
const DefaultCaseTimeout = 30 * time.Second

// environmentErrorPrefix marks failures caused by the execution
// environment rather than the change under test.
const environmentErrorPrefix = "test-environment-missing"

// IsEnvironmentError reports whether a case error means the environment
// cannot run tests at all.
func IsEnvironmentError(errMsg string) bool {
	return strings.HasPrefix(errMsg, environmentErrorPrefix)
}

// Runner executes one test case.
type Runner interface {
	Run(ctx context.Context, tc TestCase) CaseResult
}

// chromeCandidates are probed in order when no explicit path is
// configured.
var chromeCandidates = []string{
	"/usr/bin/google-chrome",
	"/usr/bin/google-chrome-stable",
	"/usr/bin/chromium",
	"/usr/bin/chromium-browser",
	"/opt/google/chrome/chrome",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
}

// ChromeRunnerConfig parameterizes the browser runner.
type ChromeRunnerConfig struct {
	// BinaryPath is the browser executable; empty probes the candidate
	// paths.
	BinaryPath string

	// TargetURL is the page under test.
	TargetURL string

	// CaseTimeout bounds each case; 0 uses DefaultCaseTimeout.
	CaseTimeout time.Duration
}

// ChromeRunner drives a headless Chrome (or Chromium) against the target
// page. A missing binary yields a structured environment failure, never a
// crash.
type ChromeRunner struct {
	cfg    ChromeRunnerConfig
	binary string
	logger *slog.Logger
}

// NewChromeRunner creates a runner, resolving the browser binary up front.
// A runner with no resolvable binary is still valid; every Run returns the
// environment failure.
func NewChromeRunner(cfg ChromeRunnerConfig, logger *slog.Logger) *ChromeRunner {
	if cfg.CaseTimeout <= 0 {
		cfg.CaseTimeout = DefaultCaseTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &ChromeRunner{cfg: cfg, logger: logger}
	r.binary = resolveBinary(cfg.BinaryPath)
	if r.binary == "" {
		logger.Warn("No headless browser binary found", "configured", cfg.BinaryPath)
	}
	return r
}

// resolveBinary returns the first usable browser executable.
func resolveBinary(configured string) string {
	if configured != "" {
		if _, err := os.Stat(configured); err == nil {
			return configured
		}
		return ""
	}
	for _, candidate := range chromeCandidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Run executes one case: load the target page headless and check that the
// DOM renders. Per-case wall clock is bounded by the configured timeout.
func (r *ChromeRunner) Run(ctx context.Context, tc TestCase) CaseResult {
	if r.binary == "" {
		return CaseResult{
			Name:   tc.Name,
			Status: CaseFailed,
			Error:  fmt.Sprintf("%s: no headless browser binary available", environmentErrorPrefix),
		}
	}

	caseCtx, cancel := context.WithTimeout(ctx, r.cfg.CaseTimeout)
	defer cancel()

	cmd := exec.CommandContext(caseCtx, r.binary,
		"--headless",
		"--disable-gpu",
		"--no-sandbox",
		"--dump-dom",
		r.cfg.TargetURL,
	)
	output, err := cmd.CombinedOutput()
	if caseCtx.Err() == context.DeadlineExceeded {
		return CaseResult{
			Name:   tc.Name,
			Status: CaseFailed,
			Error:  fmt.Sprintf("case timed out after %s", r.cfg.CaseTimeout),
		}
	}
	if err != nil {
		return CaseResult{
			Name:   tc.Name,
			Status: CaseFailed,
			Error:  fmt.Sprintf("browser run failed: %s", strings.TrimSpace(string(output))),
		}
	}

	if !strings.Contains(strings.ToLower(string(output)), "<html") {
		return CaseResult{
			Name:   tc.Name,
			Status: CaseFailed,
			Error:  "page did not render an HTML document",
		}
	}

	r.logger.Debug("Test case passed", "case", tc.Name)
	return CaseResult{Name: tc.Name, Status: CasePassed}
}

package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/tracecov/internal/cli/helpers"
	"github.com/coral-mesh/tracecov/internal/config"
	"github.com/coral-mesh/tracecov/internal/constants"
	"github.com/coral-mesh/tracecov/internal/coverage"
	"github.com/coral-mesh/tracecov/internal/runner"
	"github.com/coral-mesh/tracecov/internal/testutil"
	"github.com/coral-mesh/tracecov/internal/tracer"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func seedCache(t *testing.T) string {
	t.Helper()
	ctx := testutil.Context(t, 30*time.Second)
	path := filepath.Join(t.TempDir(), "coverage.duckdb")

	store, err := coverage.OpenStore(ctx, testutil.NewTestLogger(t), path, false)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	r := coverage.NewResult()
	r.Add("/src/proj/lib.go", 3, 2)
	r.Add("/src/proj/lib.go", 4, 0)
	r.Add("/src/proj/util/str.go", 10, 1)

	started := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-one", "run-two"} {
		_, err := store.Accumulate(ctx, r, coverage.MergeSum, &coverage.Run{
			ID:         id,
			StartedAt:  started.Add(time.Duration(i) * time.Hour),
			FinishedAt: started.Add(time.Duration(i)*time.Hour + 1500*time.Millisecond),
			Binaries:   1,
			Covered:    int64(r.Covered()),
			Coverable:  int64(r.Coverable()),
		})
		require.NoError(t, err)
	}
	return path
}

func TestApplyRunFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "run"}
	f := &runFlags{}
	bindRunFlags(cmd, f)
	require.NoError(t, cmd.ParseFlags([]string{
		"--jobs", "3", "--mode", "once", "-e", "A=1", "--exclude-files", "gen/**,*_mock.go",
		"--no-cache", "--test-threads", "1",
		"a.test", "b.test", "--", "-test.run", "TestX",
	}))

	cfg := config.Default()
	cfg.Env = []string{"FROM_FILE=1"}
	cfg.Timeout = 5 * time.Second
	applyRunFlags(cmd, f, cfg, cmd.Flags().Args())

	assert.Equal(t, []string{"a.test", "b.test"}, cfg.Binaries)
	assert.Equal(t, []string{"-test.run", "TestX"}, cfg.Args)
	assert.Equal(t, 3, cfg.Jobs)
	assert.Equal(t, 1, cfg.TestThreads)
	assert.Equal(t, "once", cfg.Trace.Mode)
	assert.Equal(t, []string{"FROM_FILE=1", "A=1"}, cfg.Env)
	assert.Equal(t, []string{"gen/**", "*_mock.go"}, cfg.Filter.ExcludeFiles)
	assert.True(t, cfg.Cache.Disabled)
	// Unset flags keep configured values.
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, "sum", cfg.Trace.MergePolicy)
	require.NoError(t, cfg.Validate())
}

func TestApplyRunFlagsWithoutDash(t *testing.T) {
	cmd := &cobra.Command{Use: "run"}
	f := &runFlags{}
	bindRunFlags(cmd, f)
	require.NoError(t, cmd.ParseFlags([]string{"x.test"}))

	cfg := config.Default()
	cfg.Args = []string{"-test.v"}
	applyRunFlags(cmd, f, cfg, cmd.Flags().Args())

	assert.Equal(t, []string{"x.test"}, cfg.Binaries)
	assert.Equal(t, []string{"-test.v"}, cfg.Args)
}

func TestRunnerOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Binaries = []string{"a.test"}
	cfg.Trace.Mode = "once"
	cfg.Trace.MergePolicy = "max"
	cfg.Filter.ProjectRoot = "/src/proj"
	cfg.TestThreads = 1

	opts, err := runnerOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, tracer.ModeOnce, opts.Mode)
	assert.Equal(t, coverage.MergeMax, opts.MergePolicy)
	assert.Equal(t, "/src/proj", opts.Resolver.ProjectRoot)
	assert.Equal(t, constants.DefaultCachePath, opts.CachePath)
	assert.Equal(t, 1, opts.TestThreads)

	cfg.Cache.Disabled = true
	cfg.Filter.ProjectRoot = ""
	cfg.Dir = "/work"
	opts, err = runnerOptions(cfg)
	require.NoError(t, err)
	assert.Empty(t, opts.CachePath)
	assert.Equal(t, "/work", opts.Resolver.ProjectRoot)

	cfg.Trace.Mode = "bogus"
	_, err = runnerOptions(cfg)
	assert.Error(t, err)
}

func testSummary() *runner.Summary {
	result := coverage.NewResult()
	result.Add("/src/proj/lib.go", 3, 1)
	result.Add("/src/proj/lib.go", 4, 0)
	result.Add("/other/x.go", 1, 0)

	total := result.Clone()
	total.Add("/src/proj/lib.go", 4, 1)

	return &runner.Summary{
		RunID:    "0b6f",
		Result:   result,
		Total:    total,
		ExitCode: 1,
		Binaries: []runner.BinaryResult{{
			Binary:  "/t/a.test",
			Traced:  true,
			Outcome: tracer.Outcome{Kind: tracer.OutcomeExited, ExitCode: 1},
			Lines:   3,
		}},
		Errors: []*runner.BinaryError{{
			Binary: "/t/b.test",
			Kind:   runner.KindAttach,
			Err:    syscall.EPERM,
			Hint:   "grant CAP_SYS_PTRACE",
		}},
	}
}

func TestRenderSummary(t *testing.T) {
	var buf bytes.Buffer
	renderSummary(&buf, testSummary(), "/src/proj", true)
	out := buf.String()

	assert.Contains(t, out, "tracecov run 0b6f")
	assert.Contains(t, out, "/t/a.test: exited, exit 1, 3 lines")
	assert.Contains(t, out, "lib.go")
	assert.NotContains(t, out, "/src/proj/lib.go")
	assert.Contains(t, out, "/other/x.go")
	assert.Contains(t, out, "1/2")
	assert.Contains(t, out, "Coverage: 1/3 lines covered (33.33%)")
	assert.Contains(t, out, "Cumulative: 2/3 lines covered (66.67%)")
	assert.Contains(t, out, "/t/b.test: attach: operation not permitted")
	assert.Contains(t, out, "hint: grant CAP_SYS_PTRACE")
	assert.Contains(t, out, "Tests exited with code 1")
}

func TestWriteSummaryJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSummary(&buf, helpers.FormatJSON, testSummary(), "/src/proj", false))

	var out summaryJSON
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "0b6f", out.RunID)
	assert.Equal(t, 1, out.ExitCode)
	assert.Equal(t, 3, out.Coverable)
	require.Len(t, out.Files, 2)
	assert.Equal(t, "/other/x.go", out.Files[0].File)
	assert.Equal(t, "lib.go", out.Files[1].File)
	require.NotNil(t, out.Total)
	assert.Equal(t, 2, out.Total.Covered)
	require.Len(t, out.Issues, 1)
	assert.Equal(t, "attach", out.Issues[0].Kind)
}

func TestWriteSummaryCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSummary(&buf, helpers.FormatCSV, testSummary(), "", false))
	assert.Equal(t, "FILE,COVERED,COVERABLE,COVERAGE\n/other/x.go,0,1,0.00%\n/src/proj/lib.go,1,2,50.00%\n", buf.String())
}

func TestDisplayPath(t *testing.T) {
	assert.Equal(t, "a/b.go", displayPath("/root/a/b.go", "/root"))
	assert.Equal(t, "/elsewhere/b.go", displayPath("/elsewhere/b.go", "/root"))
	assert.Equal(t, "/root/b.go", displayPath("/root/b.go", ""))
}

func TestRunCommandValidation(t *testing.T) {
	_, err := execute(t, "run", "--no-cache")
	assert.ErrorContains(t, err, "at least one test binary")

	_, err = execute(t, "run", "--no-cache", "--format", "xml", "a.test")
	assert.ErrorContains(t, err, "unsupported format")
}

func TestRunCommandNoCoverage(t *testing.T) {
	out, err := execute(t, "run", "--no-cache", filepath.Join(t.TempDir(), "missing.test"))

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, constants.ExitCodeNoCoverage, exitErr.Code)
	assert.ErrorIs(t, err, runner.ErrNoCoverage)
	assert.Contains(t, out, "1 issue(s)")
	assert.Contains(t, out, "debug info")
}

func TestShowCommand(t *testing.T) {
	cache := seedCache(t)

	out, err := execute(t, "show", "--cache", cache)
	require.NoError(t, err)
	assert.Contains(t, out, "/src/proj/lib.go")
	assert.Contains(t, out, "/src/proj/util/str.go")
	assert.Contains(t, out, "Coverage: 2/3 lines covered")

	out, err = execute(t, "show", "--cache", cache, "-o", "json", "/src/proj/util")
	require.NoError(t, err)
	var rows []fileRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Covered)

	out, err = execute(t, "show", "--cache", cache, "--lines", "-o", "csv", "/src/proj/lib.go")
	require.NoError(t, err)
	// Two accumulated runs doubled the hits.
	assert.Equal(t, "LINE,HITS\n3,4\n4,0\n", out)

	_, err = execute(t, "show", "--cache", cache, "--lines", "/src/proj")
	assert.ErrorContains(t, err, "--lines needs a single file")

	_, err = execute(t, "show", "--cache", cache, "/nowhere")
	assert.ErrorContains(t, err, "no coverage recorded")

	_, err = execute(t, "show", "--cache", filepath.Join(t.TempDir(), "none.duckdb"))
	assert.ErrorContains(t, err, "run 'tracecov run' first")
}

func TestRunsAndResetCommands(t *testing.T) {
	cache := seedCache(t)

	out, err := execute(t, "runs", "--cache", cache)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "run-two"))
	assert.Contains(t, lines[1], "1.5s")

	out, err = execute(t, "runs", "--cache", cache, "-n", "1", "-o", "json")
	require.NoError(t, err)
	var rows []runRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "run-two", rows[0].ID)

	out, err = execute(t, "runs", "--cache", cache, "--to", "2026-04-01T09:30:00Z", "-o", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "run-one", rows[0].ID)

	_, err = execute(t, "runs", "--cache", cache, "--since", "forever")
	assert.Error(t, err)

	out, err = execute(t, "reset", "--cache", cache)
	require.NoError(t, err)
	assert.Contains(t, out, "reset")

	out, err = execute(t, "runs", "--cache", cache, "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tracecov version")
	assert.Contains(t, out, "Platform:")
}

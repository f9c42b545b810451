package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"tabgraphsyn-runner/internal/models"
)

// Params are the pipeline arguments carried in a job's request payload.
// They are opaque to the rest of the system.
type Params struct {
	Dataset    string `json:"dataset"`
	Table      string `json:"table"`
	EpochsVAE  int    `json:"epochs_vae,omitempty"`
	EpochsGNN  int    `json:"epochs_gnn,omitempty"`
	EpochsDiff int    `json:"epochs_diff,omitempty"`
}

// Result reports a successful pipeline run.
type Result struct {
	ExitCode     int
	ResultToken  string
	ArtifactPath string
}

// Adapter spawns and supervises the external pipeline subprocess.
type Adapter struct {
	Python     string
	Script     string
	WorkDir    string
	ResultsDir string
	Timeout    time.Duration
	Grace      time.Duration
}

// New creates an Adapter.
func New(python, script, workDir, resultsDir string, timeout, grace time.Duration) *Adapter {
	return &Adapter{
		Python:     python,
		Script:     script,
		WorkDir:    workDir,
		ResultsDir: resultsDir,
		Timeout:    timeout,
		Grace:      grace,
	}
}

// Run executes the pipeline for one job attempt. Combined stdout/stderr is
// streamed line by line: marker lines drive onProgress, every line goes to
// onLine. The run is bounded by the adapter's wall-clock timeout; ctx
// cancellation terminates the subprocess and reports Canceled, not Failed.
func (a *Adapter) Run(ctx context.Context, token string, tier models.Tier, params Params,
	onProgress func(stage string, pct int), onLine func(line string)) (*Result, error) {

	cmd := exec.Command(a.Python, a.buildArgs(params)...)
	cmd.Dir = a.WorkDir
	cmd.Env = a.buildEnv(tier)
	// Own process group, so termination reaches the pipeline's own
	// children (training subcommands) and not just the interpreter.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Single combined pipe keeps stdout and stderr in emission order,
	// the same stream the per-run log file sees.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &ExecError{Class: Transient, Msg: "create output pipe", Err: err}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, &ExecError{Class: Transient, Msg: "launch pipeline", Err: err}
	}
	// Parent's write end must close or the scanner never sees EOF.
	pw.Close()

	var timedOut, canceled atomic.Bool
	done := make(chan struct{})

	go func() {
		timer := time.NewTimer(a.Timeout)
		defer timer.Stop()

		select {
		case <-done:
			return
		case <-timer.C:
			timedOut.Store(true)
		case <-ctx.Done():
			canceled.Store(true)
		}
		a.terminate(cmd, done)
	}()

	var lastLine string
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	parser := NewParser()
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lastLine = line
		}
		if onLine != nil {
			onLine(line)
		}
		if update, ok := parser.Parse(line); ok && onProgress != nil {
			onProgress(update.Stage, update.Progress)
		}
	}
	pr.Close()

	waitErr := cmd.Wait()
	close(done)

	switch {
	case canceled.Load():
		return nil, &ExecError{Class: Canceled, Msg: "termination requested"}
	case timedOut.Load():
		return nil, &ExecError{
			Class: Timeout,
			Msg:   fmt.Sprintf("exceeded wall-clock timeout of %s", a.Timeout),
		}
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return nil, &ExecError{
				Class:    Permanent,
				ExitCode: exitErr.ExitCode(),
				Msg:      fmt.Sprintf("pipeline exited with code %d: %s", exitErr.ExitCode(), lastLine),
				Err:      waitErr,
			}
		}
		return nil, &ExecError{Class: Transient, Msg: "wait for pipeline", Err: waitErr}
	}

	return &Result{
		ExitCode:     0,
		ResultToken:  uuid.NewString(),
		ArtifactPath: a.artifactPath(params),
	}, nil
}

// terminate signals the subprocess and escalates to a forced kill after
// the grace period if it has not exited.
func (a *Adapter) terminate(cmd *exec.Cmd, done <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)

	timer := time.NewTimer(a.Grace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

func (a *Adapter) buildArgs(params Params) []string {
	epochsVAE := params.EpochsVAE
	if epochsVAE == 0 {
		epochsVAE = 10
	}
	epochsGNN := params.EpochsGNN
	if epochsGNN == 0 {
		epochsGNN = 10
	}
	epochsDiff := params.EpochsDiff
	if epochsDiff == 0 {
		epochsDiff = 1
	}

	return []string{
		a.Script,
		"--dataset-name", params.Dataset,
		"--target-table", params.Table,
		"--epochs-gnn", strconv.Itoa(epochsGNN),
		"--epochs-vae", strconv.Itoa(epochsVAE),
		"--epochs-diff", strconv.Itoa(epochsDiff),
	}
}

// buildEnv isolates the subprocess environment. GPU visibility is decided
// by the tier, never by the pipeline itself.
func (a *Adapter) buildEnv(tier models.Tier) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "PYTHONUNBUFFERED=1")
	env = append(env, "PYTHONPATH="+filepath.Join(a.WorkDir, "src"))
	if tier == models.TierGPU {
		env = append(env, "CUDA_VISIBLE_DEVICES=0")
	} else {
		env = append(env, "CUDA_VISIBLE_DEVICES=")
	}
	return env
}

// artifactPath is the known path the pipeline writes its output CSV to.
func (a *Adapter) artifactPath(params Params) string {
	return filepath.Join(a.WorkDir, "src", "data", "synthetic",
		params.Dataset, "SingleTable", "single_table", params.Table+".csv")
}

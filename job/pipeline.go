package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"fileforge/artifact"
	"fileforge/converter"
	"fileforge/history"
	"fileforge/logger"
	"fileforge/taskqueue"
	"fileforge/validate"
)

// resultHoldSlack keeps a fetched job past its cleanup deadline so the
// janitor, not the expiry sweep, removes it.
const resultHoldSlack = 30 * time.Second

// Recorder receives the outcome of every finished conversion.
type Recorder interface {
	Record(e history.Entry) error
}

// Observer receives conversion timings.
type Observer interface {
	ConversionFinished(tool, mode, outcome string, elapsed time.Duration)
}

// Submission is one conversion request. The pipeline owns Dir, the scratch
// directory holding the uploaded inputs, from the moment it is handed over
// and removes it once the request is done with.
type Submission struct {
	Tool   string
	Inputs []validate.Input
	Params converter.Params
	Dir    string
}

func (s Submission) paths() []string {
	paths := make([]string, len(s.Inputs))
	for i, in := range s.Inputs {
		paths[i] = in.Path
	}
	return paths
}

// Result is what Convert produced: a download for sync tools, a job
// snapshot for async ones.
type Result struct {
	Download *Download
	Job      *Job
}

// PipelineConfig wires a Pipeline. History and Metrics may be nil.
type PipelineConfig struct {
	Tools     *converter.Registry
	Validator validate.Validator
	Jobs      *Registry
	Queue     *taskqueue.Queue
	Store     artifact.Store
	Janitor   *artifact.Janitor
	History   Recorder
	Metrics   Observer
	WorkDir   string
	JobTTL    time.Duration
	Timeout   time.Duration // per conversion, 0 for none
}

// Pipeline runs conversions: synchronously for quick tools, through the
// task queue and job registry for slow ones.
type Pipeline struct {
	cfg   PipelineConfig
	newID func() string
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{cfg: cfg, newID: uuid.NewString}
}

// prepare resolves and validates the request. Input problems are reported
// before a missing command.
func (p *Pipeline) prepare(sub Submission) (converter.Tool, error) {
	tool, lookupErr := p.cfg.Tools.Lookup(sub.Tool)
	if errors.Is(lookupErr, converter.ErrUnknownTool) {
		return tool, lookupErr
	}
	if err := p.cfg.Validator.Check(tool, sub.Inputs, sub.Params); err != nil {
		return tool, err
	}
	return tool, lookupErr
}

// Convert runs sync tools inline and queues async ones.
func (p *Pipeline) Convert(ctx context.Context, sub Submission) (Result, error) {
	tool, err := p.prepare(sub)
	if err != nil {
		p.discard(sub.Dir)
		return Result{}, err
	}
	if tool.Async {
		j, err := p.submit(tool, sub)
		if err != nil {
			return Result{}, err
		}
		return Result{Job: &j}, nil
	}
	d, err := p.runSync(ctx, tool, sub)
	if err != nil {
		return Result{}, err
	}
	return Result{Download: d}, nil
}

// RunSync converts inline and returns the result without creating a job.
func (p *Pipeline) RunSync(ctx context.Context, sub Submission) (*Download, error) {
	tool, err := p.prepare(sub)
	if err != nil {
		p.discard(sub.Dir)
		return nil, err
	}
	return p.runSync(ctx, tool, sub)
}

// Submit creates a Pending job for sub and queues its conversion.
func (p *Pipeline) Submit(sub Submission) (Job, error) {
	tool, err := p.prepare(sub)
	if err != nil {
		p.discard(sub.Dir)
		return Job{}, err
	}
	return p.submit(tool, sub)
}

func (p *Pipeline) runSync(ctx context.Context, tool converter.Tool, sub Submission) (*Download, error) {
	start := time.Now()
	id := p.newID()

	outDir := filepath.Join(sub.Dir, "out")
	outputs, err := p.run(ctx, tool, sub, outDir)
	if err != nil {
		p.discard(sub.Dir)
		cerr := &ConversionError{Tool: tool.Name, Stage: StageConvert, Detail: err.Error(), Err: err}
		p.finish(id, tool.Name, "sync", 0, cerr, start)
		return nil, cerr
	}

	// outputs are served straight from the scratch directory
	local, err := artifact.NewLocalStore(outDir)
	if err != nil {
		p.discard(sub.Dir)
		return nil, err
	}
	refs := make([]artifact.Ref, len(outputs))
	for i, out := range outputs {
		rel, err := filepath.Rel(outDir, out)
		if err != nil {
			p.discard(sub.Dir)
			return nil, fmt.Errorf("output %s outside %s: %w", out, outDir, err)
		}
		refs[i] = artifact.Ref{Key: filepath.ToSlash(rel), Ext: extOf(out)}
	}

	d, err := buildDownload(ctx, local, refs, sub.Dir)
	if err != nil {
		p.discard(sub.Dir)
		p.finish(id, tool.Name, "sync", 0, err, start)
		return nil, err
	}
	d.onClose(func() error { return os.RemoveAll(sub.Dir) })

	p.finish(id, tool.Name, "sync", len(refs), nil, start)
	return d, nil
}

func (p *Pipeline) submit(tool converter.Tool, sub Submission) (Job, error) {
	id := p.newID()
	if err := p.cfg.Jobs.Create(id, p.cfg.JobTTL, WithTool(tool.Name)); err != nil {
		p.discard(sub.Dir)
		return Job{}, err
	}
	snapshot, _ := p.cfg.Jobs.Get(id)

	err := p.cfg.Queue.Submit(func(ctx context.Context) { p.execute(ctx, tool, id, sub) })
	if err != nil {
		p.cfg.Jobs.Delete(id)
		p.discard(sub.Dir)
		logger.Warnf("Rejected %s job %s: %v", tool.Name, id, err)
		return Job{}, fmt.Errorf("%w: %v", ErrBusy, err)
	}

	logger.Infof("Queued %s job %s", tool.Name, id)
	return snapshot, nil
}

// execute is the worker side of an async job. It is the only writer of the
// job after creation.
func (p *Pipeline) execute(ctx context.Context, tool converter.Tool, id string, sub Submission) {
	defer p.discard(sub.Dir)
	start := time.Now()

	err := p.cfg.Jobs.Update(id, Patch{Status: StatusProcessing, Progress: Progress(10), Message: Message("converting")})
	if err != nil {
		logger.Warnf("Job %s dropped before processing: %v", id, err)
		return
	}

	outDir := filepath.Join(sub.Dir, "out")
	outputs, err := p.run(ctx, tool, sub, outDir)
	if err != nil {
		p.fail(id, tool.Name, StageConvert, err, start)
		return
	}
	p.progress(id, 60, "storing results")

	refs, err := p.storeOutputs(ctx, id, outputs)
	if err != nil {
		p.fail(id, tool.Name, StageStore, err, start)
		return
	}
	p.progress(id, 90, "finalizing")

	err = p.cfg.Jobs.Update(id, Patch{
		Status:          StatusCompleted,
		Progress:        Progress(100),
		Message:         Message("done"),
		ResultArtifacts: refs,
	})
	if err != nil {
		// the job expired meanwhile; nobody can fetch these
		logger.Warnf("Job %s finished after it was dropped: %v", id, err)
		p.deleteRefs(id, refs)
		p.finish(id, tool.Name, "async", 0, err, start)
		return
	}

	logger.Infof("Job %s completed with %d artifact(s)", id, len(refs))
	p.finish(id, tool.Name, "async", len(refs), nil, start)
}

func (p *Pipeline) run(ctx context.Context, tool converter.Tool, sub Submission, outDir string) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	outputs, err := tool.Run(ctx, converter.Request{Inputs: sub.paths(), OutputDir: outDir, Params: sub.Params})
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%s produced no output", tool.Name)
	}
	return outputs, nil
}

func (p *Pipeline) progress(id string, pct int, msg string) {
	if err := p.cfg.Jobs.Update(id, Patch{Progress: Progress(pct), Message: Message(msg)}); err != nil {
		logger.Debugf("Progress update of job %s skipped: %v", id, err)
	}
}

func (p *Pipeline) fail(id, toolName, stage string, err error, start time.Time) {
	cerr := &ConversionError{JobID: id, Tool: toolName, Stage: stage, Detail: err.Error(), Err: err}
	logger.Errorf("Job %s failed: %v", id, cerr)
	if uerr := p.cfg.Jobs.Update(id, Patch{Status: StatusFailed, Message: Message("failed"), ErrorDetail: cerr.Error()}); uerr != nil {
		logger.Warnf("Could not record failure of job %s: %v", id, uerr)
	}
	p.finish(id, toolName, "async", 0, cerr, start)
}

// storeOutputs moves outputs into the artifact store under the job id.
func (p *Pipeline) storeOutputs(ctx context.Context, id string, outputs []string) ([]artifact.Ref, error) {
	refs := make([]artifact.Ref, 0, len(outputs))
	for i, out := range outputs {
		ref := artifact.Ref{Key: fmt.Sprintf("%s/%03d%s", id, i+1, filepath.Ext(out)), Ext: extOf(out)}
		if err := putFile(ctx, p.cfg.Store, ref.Key, out); err != nil {
			p.deleteRefs(id, refs)
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func putFile(ctx context.Context, store artifact.Store, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return store.Put(ctx, key, f)
}

func (p *Pipeline) deleteRefs(id string, refs []artifact.Ref) {
	for _, ref := range refs {
		if err := p.cfg.Store.Delete(context.Background(), ref.Key); err != nil {
			logger.Warnf("Failed to delete artifact %s of job %s: %v", ref.Key, id, err)
		}
	}
}

func (p *Pipeline) finish(id, toolName, mode string, artifacts int, err error, start time.Time) {
	elapsed := time.Since(start)
	entry := history.Entry{
		JobID:         id,
		Tool:          toolName,
		Mode:          mode,
		Status:        history.StatusCompleted,
		ArtifactCount: artifacts,
		Duration:      elapsed.Seconds(),
	}
	if err != nil {
		entry.Status = history.StatusFailed
		entry.Error = err.Error()
	}

	if p.cfg.History != nil {
		if herr := p.cfg.History.Record(entry); herr != nil {
			logger.Errorf("Failed to record history of %s: %v", id, herr)
		}
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ConversionFinished(toolName, mode, entry.Status, elapsed)
	}
}

func (p *Pipeline) discard(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warnf("Failed to remove scratch dir %s: %v", dir, err)
	}
}

// Status returns a snapshot of job id.
func (p *Pipeline) Status(id string) (Job, error) {
	j, ok := p.cfg.Jobs.Get(id)
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

// Fetch returns the result of a completed job and schedules its artifacts
// and record for deletion after the grace delay. Fetching again within the
// delay serves the same artifacts.
func (p *Pipeline) Fetch(ctx context.Context, id string) (*Download, error) {
	j, ok := p.cfg.Jobs.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	switch j.Status {
	case StatusPending, StatusProcessing:
		return nil, ErrNotReady
	case StatusFailed:
		return nil, &ConversionError{JobID: id, Tool: j.Tool, Detail: j.ErrorDetail}
	}

	// the record has to outlive the grace delay, or a retry would find it
	// expired and the expire hook would delete artifacts the janitor owns
	if err := p.cfg.Jobs.Extend(id, p.cfg.Janitor.Delay()+resultHoldSlack); err != nil {
		return nil, err
	}

	d, err := buildDownload(ctx, p.cfg.Store, j.ResultArtifacts, p.cfg.WorkDir)
	if err != nil {
		var cerr *ConversionError
		if errors.As(err, &cerr) {
			cerr.JobID, cerr.Tool = id, j.Tool
		}
		return nil, err
	}

	p.cfg.Janitor.Schedule(id, j.ResultArtifacts, func() { p.cfg.Jobs.Delete(id) })
	return d, nil
}

// ExpiredArtifactsCleaner returns a registry expire hook that deletes the
// artifacts of completed jobs nobody fetched.
func ExpiredArtifactsCleaner(store artifact.Store) func(Job) {
	return func(j Job) {
		if len(j.ResultArtifacts) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, ref := range j.ResultArtifacts {
			if err := store.Delete(ctx, ref.Key); err != nil {
				logger.Warnf("Failed to delete artifact %s of expired job %s: %v", ref.Key, j.ID, err)
			}
		}
	}
}

func extOf(path string) string {
	return strings.TrimPrefix(filepath.Ext(path), ".")
}

package stagegraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"

	"reconstruct/internal/binformat"
	"reconstruct/internal/frames"
	"reconstruct/internal/layout"
	"reconstruct/internal/logging"
	"reconstruct/internal/octree"
	"reconstruct/internal/pointcloud"
	"reconstruct/internal/quality"
	"reconstruct/internal/storage"
	"reconstruct/internal/toolchain"
	"reconstruct/internal/videoprobe"
)

// queueCapacity bounds how many jobs may be pending submission at once;
// beyond this, Submit returns ErrQueueFull.
const queueCapacity = 1024

// retriableExitCodes are the external-toolchain exit codes considered
// transient (resource contention, signal interruption) rather than a
// structural failure of the run.
var retriableExitCodes = map[int]bool{
	1: true, 130: true, 137: true,
}

const maxRetries = 2

// retryBackoffBase is a var, not a const, so tests can shrink it instead
// of waiting out real exponential backoff between retry attempts.
var retryBackoffBase = 30 * time.Second

// cancelPollInterval is how often a running job checks for a cross-process
// cancel.request sentinel dropped by a separate `cancel` invocation.
const cancelPollInterval = 2 * time.Second

// minDensePoints is the sparse-reconstruction point count below which
// DENSE is skipped regardless of ParameterRecord.DenseStereoEnabled.
const minDensePoints = 100

// ErrQueueFull is returned by Submit when the pending-job queue is at
// capacity.
var ErrQueueFull = errors.New("job queue is full")

// ErrJobNotFound is returned by Status (and by Delete, which calls it) for
// an unknown job id.
var ErrJobNotFound = errors.New("job not found")

// ErrJobNotTerminal is returned by Delete when the job has not reached a
// terminal state.
var ErrJobNotTerminal = errors.New("job is not in a terminal state")

// JobSpec is a caller's request to run the DAG against one video.
type JobSpec struct {
	ID         string
	InputPath  string
	QualityTag quality.Tag
	Is360Hint  string // "true", "false", or "auto"
}

// Event is broadcast to subscribers on every stage or job transition.
type Event struct {
	JobID           string
	State           State
	Stage           Stage
	OverallProgress float64
	FailureReason   string
}

// Scheduler runs the fixed stage DAG for submitted jobs, bounded to a
// configurable worker count, persisting per-job progress so a restart
// resumes from the first incomplete stage instead of redoing work.
type Scheduler struct {
	log           *slog.Logger
	store         *storage.Store
	driver        *toolchain.Driver
	workspaceRoot string

	queue chan JobSpec
	wg    sync.WaitGroup

	mu        sync.Mutex
	cancelled map[string]bool
	active    map[string]context.CancelFunc
	subs      map[int]chan Event
	nextSubID int

	// runStageFn dispatches one DAG stage; it defaults to s.runStage and
	// is overridden in tests to exercise runStageWithRetry's retry and
	// cancellation handling without invoking the real external toolchain.
	runStageFn func(ctx context.Context, spec JobSpec, lay layout.Layout, doc *Document, stage Stage, report func(float64)) error

	stopOnce sync.Once
}

// New returns a Scheduler bound to workspaceRoot, running workers
// concurrent job loops against ctx. toolchainBinary is the external
// photogrammetry tool's executable path.
func New(ctx context.Context, workers int, workspaceRoot string, logger *slog.Logger, store *storage.Store, toolchainBinary string) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		log:           logger,
		store:         store,
		driver:        toolchain.NewDriver(toolchainBinary),
		workspaceRoot: workspaceRoot,
		queue:         make(chan JobSpec, queueCapacity),
		cancelled:     make(map[string]bool),
		active:        make(map[string]context.CancelFunc),
		subs:          make(map[int]chan Event),
	}
	s.runStageFn = s.runStage
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	return s
}

// Submit enqueues a new job. If no quality tag is given, the caller is
// expected to have already defaulted it; Submit does not apply defaults.
func (s *Scheduler) Submit(spec JobSpec) (string, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if _, err := quality.Resolve(spec.QualityTag, quality.VideoMetadata{DurationSeconds: 1}); err != nil {
		return "", err
	}

	lay := layout.New(s.workspaceRoot, spec.ID)
	if err := os.MkdirAll(lay.Dir(), 0o755); err != nil {
		return "", err
	}
	doc := NewDocument(time.Now())
	if err := Save(doc, lay.Progress(), lay.ProgressTemp()); err != nil {
		return "", err
	}
	if s.store != nil {
		_ = s.store.RecordJobQueued(storage.JobRecord{
			ID:         spec.ID,
			InputPath:  spec.InputPath,
			QualityTag: string(spec.QualityTag),
			Status:     "queued",
		})
	}

	select {
	case s.queue <- spec:
		return spec.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// Cancel requests termination of a running job. Idempotent: a job already
// terminal, or never submitted to this scheduler instance, returns nil.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	s.cancelled[jobID] = true
	cancel, ok := s.active[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Status loads a job's progress document from disk.
func (s *Scheduler) Status(jobID string) (*Document, error) {
	lay := layout.New(s.workspaceRoot, jobID)
	doc, err := Load(lay.Progress())
	if os.IsNotExist(err) {
		return nil, ErrJobNotFound
	}
	return doc, err
}

// Delete removes a job's workspace. Refuses unless the job's persisted
// state is terminal.
func (s *Scheduler) Delete(jobID string) error {
	doc, err := s.Status(jobID)
	if err != nil {
		return err
	}
	if doc.State != StateCompleted && doc.State != StateFailed && doc.State != StateCancelled {
		return ErrJobNotTerminal
	}
	if s.store != nil {
		_ = s.store.DeleteJob(jobID)
	}
	lay := layout.New(s.workspaceRoot, jobID)
	return os.RemoveAll(lay.Dir())
}

// RecoverAndRequeue scans workspaceRoot for jobs a previous process left in
// StateRunning, which only happens when that process was killed or crashed
// mid-job, and resubmits each one so FirstIncompleteStage resumes it rather
// than leaving it stuck forever. Call this once, before accepting new
// submissions, when starting a `run` against an existing workspace.
func (s *Scheduler) RecoverAndRequeue() error {
	entries, err := os.ReadDir(s.workspaceRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		lay := layout.New(s.workspaceRoot, jobID)
		doc, err := Load(lay.Progress())
		if err != nil || doc.State != StateRunning {
			continue
		}
		spec, err := s.recoverSpec(jobID)
		if err != nil {
			s.log.Warn("crash recovery: could not reconstruct job spec, leaving stuck", "job", jobID, "error", err)
			continue
		}
		s.log.Info("crash recovery: requeuing job left running by a previous process", "job", jobID)
		select {
		case s.queue <- spec:
		default:
			s.log.Warn("crash recovery: queue full, could not requeue", "job", jobID)
		}
	}
	return nil
}

// recoverSpec reconstructs a JobSpec for a job found running at startup.
// Is360Hint resolves to "auto": if VIDEO_ANALYZE already completed before
// the crash, the resolved IsEquirectangular value is cached in
// metadata.json and that stage is never re-run, so the hint is moot; if it
// didn't complete, "auto" is the correct default anyway.
func (s *Scheduler) recoverSpec(jobID string) (JobSpec, error) {
	if s.store == nil {
		return JobSpec{}, fmt.Errorf("no job store configured, cannot recover job %s", jobID)
	}
	rec, err := s.store.GetJob(jobID)
	if err != nil {
		return JobSpec{}, err
	}
	return JobSpec{
		ID:         jobID,
		InputPath:  rec.InputPath,
		QualityTag: quality.Tag(rec.QualityTag),
		Is360Hint:  "auto",
	}, nil
}

// Subscribe returns a channel of Events and an unsubscribe function.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Event, 16)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

func (s *Scheduler) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn("scheduler event channel full", "subscriber", id, "job", ev.JobID)
		}
	}
}

// Stop waits for in-flight jobs to observe cancellation and return. It
// does not itself cancel running jobs; callers wanting a clean shutdown
// should Cancel every active job first.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.queue)
		s.wg.Wait()
		s.mu.Lock()
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		s.mu.Unlock()
	})
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case spec, ok := <-s.queue:
			if !ok {
				return
			}
			s.runJob(ctx, spec)
		}
	}
}

func (s *Scheduler) runJob(parentCtx context.Context, spec JobSpec) {
	jobCtx, cancel := context.WithCancel(parentCtx)
	s.mu.Lock()
	s.active[spec.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, spec.ID)
		delete(s.cancelled, spec.ID)
		s.mu.Unlock()
		cancel()
	}()

	lay := layout.New(s.workspaceRoot, spec.ID)
	go s.pollCancelRequest(jobCtx, spec.ID, lay)
	start := time.Now()
	logging.LogJobStart(s.log, spec.ID, spec.InputPath, string(spec.QualityTag))
	if s.store != nil {
		_ = s.store.RecordJobStatus(spec.ID, "running", "")
	}

	doc, err := Load(lay.Progress())
	if err != nil {
		doc = NewDocument(time.Now())
	}
	doc.State = StateRunning
	_ = Save(doc, lay.Progress(), lay.ProgressTemp())

	resumeFrom, pending := doc.FirstIncompleteStage()
	if !pending {
		s.finishJob(spec.ID, doc, lay, nil, start)
		return
	}

	skipUntil := true
	var finalErr error
	for _, stage := range Order {
		if skipUntil {
			if stage != resumeFrom {
				continue
			}
			skipUntil = false
		}

		if s.isCancelled(spec.ID) {
			s.markCancelled(doc, stage, lay)
			finalErr = &StageCancelled{Stage: stage}
			break
		}

		if err := s.runStageWithRetry(jobCtx, spec, lay, doc, stage); err != nil {
			var cancelledErr *StageCancelled
			if errors.As(err, &cancelledErr) {
				finalErr = err
				break
			}
			finalErr = err
			break
		}
	}

	s.finishJob(spec.ID, doc, lay, finalErr, start)
}

func (s *Scheduler) isCancelled(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[jobID]
}

// pollCancelRequest watches for a cancel.request sentinel dropped by a
// `cancel` invocation running in a separate process and, when it appears,
// calls Cancel so the job's context is torn down the same way an
// in-process Cancel call would: there is no IPC channel between `run` and
// `cancel` other than the job's own workspace directory.
func (s *Scheduler) pollCancelRequest(ctx context.Context, jobID string, lay layout.Layout) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(lay.CancelRequest()); err == nil {
				_ = s.Cancel(jobID)
				return
			}
		}
	}
}

func (s *Scheduler) markCancelled(doc *Document, stage Stage, lay layout.Layout) {
	now := time.Now()
	exec := doc.Stages[stage]
	exec.State = StateCancelled
	exec.FinishedAt = &now
	doc.State = StateCancelled
	_ = Save(doc, lay.Progress(), lay.ProgressTemp())
}

// StageCancelled is returned when a job's in-flight stage is terminated by
// Cancel rather than completing or failing on its own.
type StageCancelled struct {
	Stage Stage
}

func (e *StageCancelled) Error() string {
	return fmt.Sprintf("stage %s cancelled", e.Stage)
}

func (s *Scheduler) runStageWithRetry(ctx context.Context, spec JobSpec, lay layout.Layout, doc *Document, stage Stage) error {
	exec := doc.Stages[stage]
	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		exec.Attempt = attempt
		now := time.Now()
		exec.State = StateRunning
		exec.StartedAt = &now
		exec.Progress = 0
		logging.LogStageStart(s.log, spec.ID, string(stage))
		_ = Save(doc, lay.Progress(), lay.ProgressTemp())

		stageStart := time.Now()
		err := s.runStageFn(ctx, spec, lay, doc, stage, func(fraction float64) {
			exec.Progress = fraction
			logging.LogStageProgress(s.log, spec.ID, string(stage), fraction, exec.Activity)
			_ = Save(doc, lay.Progress(), lay.ProgressTemp())
		})

		if err == nil {
			finished := time.Now()
			if exec.State != StateSkipped {
				exec.State = StateCompleted
			}
			exec.Progress = 1
			exec.FinishedAt = &finished
			logging.LogStageComplete(s.log, spec.ID, string(stage), time.Since(stageStart))
			_ = Save(doc, lay.Progress(), lay.ProgressTemp())
			if s.store != nil {
				_ = s.store.UpsertStageExecution(stageExecRecord(spec.ID, stage, exec))
			}
			return nil
		}

		lastErr = err
		if s.isCancelled(spec.ID) {
			s.markCancelled(doc, stage, lay)
			return &StageCancelled{Stage: stage}
		}

		var sf *toolchain.StageFailed
		retriable := errors.As(err, &sf) && retriableExitCodes[sf.ExitCode]
		if !retriable || attempt > maxRetries {
			finished := time.Now()
			exec.State = StateFailed
			exec.FinishedAt = &finished
			exec.Reason = err.Error()
			logging.LogStageError(s.log, spec.ID, string(stage), time.Since(stageStart), err)
			_ = Save(doc, lay.Progress(), lay.ProgressTemp())
			if s.store != nil {
				_ = s.store.UpsertStageExecution(stageExecRecord(spec.ID, stage, exec))
			}
			return err
		}

		backoff := retryBackoffBase * time.Duration(1<<(attempt-1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func stageExecRecord(jobID string, stage Stage, exec *StageExecution) storage.StageExecutionRecord {
	artifacts, _ := json.Marshal(exec.Artifacts)
	return storage.StageExecutionRecord{
		JobID:         jobID,
		Stage:         string(stage),
		Status:        string(exec.State),
		Progress:      exec.Progress,
		Activity:      exec.Activity,
		StartedAt:     exec.StartedAt,
		FinishedAt:    exec.FinishedAt,
		FailureReason: exec.Reason,
		ArtifactsJSON: string(artifacts),
		Attempt:       exec.Attempt,
	}
}

func (s *Scheduler) finishJob(jobID string, doc *Document, lay layout.Layout, jobErr error, start time.Time) {
	_ = os.Remove(lay.CancelRequest())
	now := time.Now()
	doc.UpdatedAt = now
	switch {
	case jobErr == nil:
		doc.State = StateCompleted
		logging.LogJobComplete(s.log, jobID, time.Since(start))
		if s.store != nil {
			_ = s.store.RecordJobStatus(jobID, "completed", "")
		}
	default:
		var cancelledErr *StageCancelled
		if errors.As(jobErr, &cancelledErr) {
			doc.State = StateCancelled
		} else {
			doc.State = StateFailed
		}
		logging.LogJobError(s.log, jobID, time.Since(start), jobErr)
		if s.store != nil {
			_ = s.store.RecordJobStatus(jobID, string(doc.State), jobErr.Error())
		}
	}
	_ = Save(doc, lay.Progress(), lay.ProgressTemp())
	s.broadcast(Event{JobID: jobID, State: doc.State, OverallProgress: doc.OverallProgress()})
}

// runStage dispatches one DAG stage to its implementing component.
func (s *Scheduler) runStage(ctx context.Context, spec JobSpec, lay layout.Layout, doc *Document, stage Stage, report func(float64)) error {
	exec := doc.Stages[stage]

	switch stage {
	case StageVideoAnalyze:
		meta, err := videoprobe.Probe(ctx, spec.InputPath)
		if err != nil {
			return err
		}
		if spec.Is360Hint == "true" {
			meta.IsEquirectangular = true
		} else if spec.Is360Hint == "false" {
			meta.IsEquirectangular = false
		}
		data, _ := json.Marshal(meta)
		if err := os.WriteFile(lay.Metadata(), data, 0o644); err != nil {
			return err
		}
		report(1)
		return nil

	case StageExtractFrames:
		meta, err := readMetadata(lay)
		if err != nil {
			return err
		}
		rec, err := quality.Resolve(spec.QualityTag, meta)
		if err != nil {
			return err
		}
		paramsData, _ := json.Marshal(rec)
		if err := os.WriteFile(lay.Params(), paramsData, 0o644); err != nil {
			return err
		}
		if err := os.MkdirAll(lay.ImagesDir(), 0o755); err != nil {
			return err
		}
		plan := frames.Plan{
			TargetFrameCount: rec.TargetFrameCount,
			DurationSeconds:  meta.DurationSeconds,
			SourceFrameRate:  meta.FrameRate,
			MaxImageSide:     rec.MaxImageSide,
			IsEquirectangular: meta.IsEquirectangular,
		}
		produced, err := frames.Extract(ctx, spec.InputPath, lay, plan, func(done, planned int) {
			if planned > 0 {
				report(float64(done) / float64(planned))
			}
		})
		if err != nil {
			return err
		}
		exec.Activity = fmt.Sprintf("%d frames extracted", produced)
		return nil

	case StageFeatures, StageMatches, StageSparse:
		rec, err := readParams(lay)
		if err != nil {
			return err
		}
		tstage := toolchain.Stage(stage)
		if stage == StageSparse {
			if err := os.MkdirAll(lay.SparseDir(), 0o755); err != nil {
				return err
			}
		}
		return s.driver.Run(ctx, tstage, rec, lay, report)

	case StageDense:
		rec, err := readParams(lay)
		if err != nil {
			return err
		}
		skip, err := shouldSkipDense(rec, lay)
		if err != nil {
			return err
		}
		if skip {
			exec.State = StateSkipped
			exec.Activity = "dense stereo disabled or sparse reconstruction too small"
			report(1)
			return nil
		}
		if err := os.MkdirAll(lay.DenseStereo(), 0o755); err != nil {
			return err
		}
		return s.driver.Run(ctx, toolchain.StageDense, rec, lay, report)

	case StagePostprocess:
		rec, err := readParams(lay)
		if err != nil {
			return err
		}
		return s.runPostprocess(rec, lay, report)

	case StageExport:
		return s.runExport(lay, report)
	}
	return fmt.Errorf("unknown stage %s", stage)
}

func readMetadata(lay layout.Layout) (quality.VideoMetadata, error) {
	data, err := os.ReadFile(lay.Metadata())
	if err != nil {
		return quality.VideoMetadata{}, err
	}
	var probed videoprobe.Metadata
	if err := json.Unmarshal(data, &probed); err != nil {
		return quality.VideoMetadata{}, err
	}
	return quality.VideoMetadata{
		DurationSeconds:   probed.DurationSeconds,
		FrameRate:         probed.FrameRate,
		IsEquirectangular: probed.IsEquirectangular,
	}, nil
}

func readParams(lay layout.Layout) (quality.ParameterRecord, error) {
	data, err := os.ReadFile(lay.Params())
	if err != nil {
		return quality.ParameterRecord{}, err
	}
	var rec quality.ParameterRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return quality.ParameterRecord{}, err
	}
	return rec, nil
}

// shouldSkipDense reads the canonical sparse reconstruction (chosen from
// any connected-component candidates COLMAP-style tools may emit, read from
// sparse/0, sparse/1, ... up to the first missing or unreadable one) and
// reports whether it clears the minimum point threshold for dense stereo.
func shouldSkipDense(rec quality.ParameterRecord, lay layout.Layout) (bool, error) {
	if !rec.DenseStereoEnabled {
		return true, nil
	}
	var candidates []*binformat.Reconstruction
	for k := 0; ; k++ {
		r, err := binformat.ReadReconstruction(lay.SparseCameras(k), lay.SparseImages(k), lay.SparsePoints3D(k))
		if err != nil {
			break
		}
		candidates = append(candidates, r)
	}
	candidate := binformat.SelectCanonical(candidates)
	if candidate == nil {
		return true, nil
	}
	return candidate.NumPoints3D() < minDensePoints, nil
}

// runPostprocess loads the dense-stage fused cloud, runs the C7 cleanup
// pipeline, and writes the result to Postprocessed().
func (s *Scheduler) runPostprocess(rec quality.ParameterRecord, lay layout.Layout, report func(float64)) error {
	plyCloud, err := binformat.ReadPLY(lay.DenseFused())
	if os.IsNotExist(err) {
		plyCloud, err = binformat.ReadPLY(lay.SparsePointCloud())
	}
	if err != nil {
		return err
	}
	cloud := fromPLYCloud(plyCloud)
	report(0.2)

	cloud = pointcloud.StatisticalOutlierRemoval(cloud, 16, rec.OutlierSigma)
	report(0.5)

	cloud = pointcloud.VoxelDownsample(cloud, rec.VoxelSize)
	report(0.7)

	if min, _, ok := cloud.BoundingBox(); ok {
		cloud = pointcloud.EstimateNormals(cloud, 16, min)
	}
	report(0.9)

	if err := binformat.WritePLY(lay.Postprocessed(), toPLYCloud(cloud)); err != nil {
		return err
	}
	report(1)
	return nil
}

// runExport builds the spatial index over the final cloud once, as a
// validation that the exported PLY is queryable end to end; query-serving
// components rebuild it on demand rather than reading a persisted index,
// since it is cheap to reconstruct from the exported PLY and an index
// built from stale points would silently diverge from the file on disk.
func (s *Scheduler) runExport(lay layout.Layout, report func(float64)) error {
	plyCloud, err := binformat.ReadPLY(lay.Postprocessed())
	if err != nil {
		return err
	}
	points := make([]r3.Vector, 0, len(plyCloud.Points))
	for _, p := range plyCloud.Points {
		points = append(points, p.Position)
	}
	report(0.5)

	octree.Build(points, octree.Options{})
	report(1)
	return nil
}

// fromPLYCloud adapts binformat's wire-format cloud to pointcloud's
// processing representation.
func fromPLYCloud(c binformat.PLYCloud) pointcloud.Cloud {
	points := make([]pointcloud.Point, len(c.Points))
	for i, p := range c.Points {
		points[i] = pointcloud.Point{
			Position:  p.Position,
			HasColor:  p.HasColor,
			R:         p.R,
			G:         p.G,
			B:         p.B,
			HasNormal: p.HasNormal,
			Normal:    p.Normal,
		}
	}
	return pointcloud.Cloud{Points: points}
}

// toPLYCloud adapts a processed pointcloud.Cloud back to binformat's wire
// format for writing.
func toPLYCloud(c pointcloud.Cloud) binformat.PLYCloud {
	points := make([]binformat.PLYPoint, len(c.Points))
	for i, p := range c.Points {
		points[i] = binformat.PLYPoint{
			Position:  p.Position,
			HasColor:  p.HasColor,
			R:         p.R,
			G:         p.G,
			B:         p.B,
			HasNormal: p.HasNormal,
			Normal:    p.Normal,
		}
	}
	return binformat.PLYCloud{Points: points}
}

// Package render sequences a job's segment renders and the final
// concatenation, reporting progress on the event bus.
package render

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"audio2mp4/internal/events"
	"audio2mp4/internal/jobs"
	"audio2mp4/internal/media"
	"audio2mp4/internal/pkg/logger"
	"audio2mp4/internal/ports"
)

const tracerName = "audio2mp4/internal/render"

// SegmentRenderer produces the segment for one track.
type SegmentRenderer interface {
	RenderSegment(ctx context.Context, req media.SegmentRequest, emit media.LineFunc) (string, error)
}

// Concatenator joins rendered segments into the final artifact.
type Concatenator interface {
	Concat(ctx context.Context, workDir string, segments []string, emit media.LineFunc) (string, error)
}

// CleanupScheduler arms the deferred removal of a finished job.
type CleanupScheduler interface {
	Schedule(jobID string)
}

// DownloadURL is the retrieval reference carried by the done event.
func DownloadURL(jobID string) string {
	return "/api/render/" + jobID + "/download"
}

// ArchiveKey is the object key a finished render is archived under.
func ArchiveKey(jobID string) string {
	return "renders/" + jobID + "/" + media.OutputName
}

type Deps struct {
	Registry  *jobs.Registry
	Events    events.Publisher
	Segments  SegmentRenderer
	Concat    Concatenator
	Retention CleanupScheduler

	// Optional.
	Archive ports.StorageProvider
	History ports.JobHistory
	Metrics *Metrics
	Tracer  trace.Tracer
	Log     *logger.Logger
}

// Orchestrator runs admitted jobs. Only the job holding the registry gate
// may run; everything else is rejected with jobs.ErrBusy.
type Orchestrator struct {
	registry  *jobs.Registry
	events    events.Publisher
	segments  SegmentRenderer
	concat    Concatenator
	retention CleanupScheduler
	archive   ports.StorageProvider
	history   ports.JobHistory
	metrics   *Metrics
	tracer    trace.Tracer
	log       *logger.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(d Deps) *Orchestrator {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	tracer := d.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	pub := d.Events
	if pub == nil {
		pub = events.PublisherFunc(func(string, events.Event) {})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		registry:  d.Registry,
		events:    pub,
		segments:  d.Segments,
		concat:    d.Concat,
		retention: d.Retention,
		archive:   d.Archive,
		history:   d.History,
		metrics:   d.Metrics,
		tracer:    tracer,
		log:       log.WithComponent("orchestrator"),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Launch runs Start in the background under the orchestrator's own context,
// so the job outlives the request that admitted it.
func (o *Orchestrator) Launch(jobID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.Start(o.baseCtx, jobID); err != nil {
			o.log.Warn("job not started", "job_id", jobID, "error", err)
		}
	}()
}

// Close cancels running jobs, which kills their tool processes, and waits
// for launched jobs to reach a terminal state or for ctx to end.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start moves a pending job to processing and runs it to a terminal state.
// The caller's admission path normally holds the gate for jobID already;
// otherwise Start tries to take it and returns jobs.ErrBusy when another job
// holds it. Render failures are not returned: they end the job in the error
// state and are broadcast as an error event.
func (o *Orchestrator) Start(ctx context.Context, jobID string) error {
	job, err := o.registry.Get(jobID)
	if err != nil {
		return err
	}

	acquired := false
	if holder, held := o.registry.ActiveJob(); !held || holder != jobID {
		if err := o.registry.TryAcquireGate(jobID); err != nil {
			o.metrics.Busy()
			return err
		}
		acquired = true
	}

	if err := o.registry.UpdateStatus(jobID, jobs.StatusProcessing, ""); err != nil {
		if acquired {
			o.registry.ReleaseGate(jobID)
		}
		return err
	}

	o.run(ctx, job)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, job *jobs.Job) {
	log := o.log.WithJobID(job.ID)
	ctx = logger.ContextWithJobID(ctx, job.ID)

	ctx, span := o.tracer.Start(ctx, "render.job",
		trace.WithAttributes(
			attribute.String("render.job.id", job.ID),
			attribute.Int("render.tracks", len(job.Meta.Tracks)),
			attribute.Int("render.width", job.Meta.Width),
			attribute.Int("render.height", job.Meta.Height),
			attribute.Int("render.fps", job.Meta.FPS),
		),
	)
	defer span.End()

	if o.metrics != nil {
		o.metrics.Active.Inc()
		defer o.metrics.Active.Dec()
	}

	start := time.Now()
	log.Info("render started", "tracks", len(job.Meta.Tracks))
	o.record(ctx, job.ID)

	output, err := o.sequence(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.fail(ctx, job.ID, err)
		log.Error("render failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}

	span.SetStatus(codes.Ok, "")
	o.succeed(ctx, job.ID, output)
	log.Info("render complete", "duration_ms", time.Since(start).Milliseconds())
}

// sequence renders every segment in track order, then concatenates. The
// first failure aborts the rest.
func (o *Orchestrator) sequence(ctx context.Context, job *jobs.Job) (string, error) {
	emit := o.emitter(job.ID)
	meta := job.Meta
	total := len(meta.Tracks)

	emit("Starting render job...")
	emit(fmt.Sprintf("Processing %d tracks at %dx%d@%dfps", total, meta.Width, meta.Height, meta.FPS))

	segments := make([]string, 0, total)
	for i, track := range meta.Tracks {
		o.events.Publish(job.ID, events.SegmentProgress(i, total))
		emit(fmt.Sprintf("[%d/%d] Processing: %s", i+1, total, track.Label(i)))

		seg, err := o.renderSegment(ctx, job, i, emit)
		if err != nil {
			return "", err
		}
		segments = append(segments, seg)

		emit(fmt.Sprintf("[%d/%d] Segment complete", i+1, total))
	}

	o.events.Publish(job.ID, events.ConcatProgress())
	emit("Concatenating segments...")

	output, err := o.concatenate(ctx, job, segments, emit)
	if err != nil {
		return "", err
	}

	emit("Render complete!")
	return output, nil
}

func (o *Orchestrator) renderSegment(ctx context.Context, job *jobs.Job, index int, emit media.LineFunc) (string, error) {
	ctx, span := o.tracer.Start(ctx, "render.segment",
		trace.WithAttributes(attribute.Int("render.segment.index", index)))
	defer span.End()

	start := time.Now()
	seg, err := o.segments.RenderSegment(ctx, media.SegmentRequest{
		WorkDir: job.WorkDir,
		Index:   index,
		Width:   job.Meta.Width,
		Height:  job.Meta.Height,
		FPS:     job.Meta.FPS,
	}, emit)
	o.metrics.observeStep("segment", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return seg, err
}

func (o *Orchestrator) concatenate(ctx context.Context, job *jobs.Job, segments []string, emit media.LineFunc) (string, error) {
	ctx, span := o.tracer.Start(ctx, "render.concat",
		trace.WithAttributes(attribute.Int("render.segments", len(segments))))
	defer span.End()

	start := time.Now()
	out, err := o.concat.Concat(ctx, job.WorkDir, segments, emit)
	o.metrics.observeStep("concat", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (o *Orchestrator) succeed(ctx context.Context, jobID, output string) {
	if err := o.registry.UpdateStatus(jobID, jobs.StatusDone, ""); err != nil {
		o.log.Warn("could not mark job done", "job_id", jobID, "error", err)
	}
	o.registry.ReleaseGate(jobID)
	o.events.Publish(jobID, events.Completed(DownloadURL(jobID)))
	o.metrics.finished(string(jobs.StatusDone))
	o.record(ctx, jobID)

	// The retention window starts at the terminal transition, not after the
	// upload. The archive keeps its own handle on the output.
	o.scheduleCleanup(jobID)
	o.archiveOutput(ctx, jobID, output)
}

func (o *Orchestrator) fail(ctx context.Context, jobID string, cause error) {
	msg := cause.Error()
	if err := o.registry.UpdateStatus(jobID, jobs.StatusError, msg); err != nil {
		o.log.Warn("could not mark job failed", "job_id", jobID, "error", err)
	}
	o.registry.ReleaseGate(jobID)
	o.events.Publish(jobID, events.Error("Render failed: "+msg))
	o.metrics.finished(string(jobs.StatusError))
	o.record(ctx, jobID)

	o.scheduleCleanup(jobID)
}

func (o *Orchestrator) scheduleCleanup(jobID string) {
	if o.retention != nil {
		o.retention.Schedule(jobID)
	}
}

// emitter publishes each line as a log event for jobID.
func (o *Orchestrator) emitter(jobID string) media.LineFunc {
	return func(line string) {
		o.events.Publish(jobID, events.Log(line))
	}
}

// record writes the job's current state to history. Failures are logged.
func (o *Orchestrator) record(ctx context.Context, jobID string) {
	if o.history == nil {
		return
	}
	job, err := o.registry.Get(jobID)
	if err != nil {
		return
	}
	// History must not block on a canceled job context.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.history.RecordStatus(rctx, job); err != nil {
		o.log.Warn("history write failed", "job_id", jobID, "status", string(job.Status), "error", err)
	}
}

// archiveOutput copies the artifact to the configured storage provider.
// A failed archive never changes the job's status.
func (o *Orchestrator) archiveOutput(ctx context.Context, jobID, output string) {
	if o.archive == nil {
		return
	}
	log := o.log.WithJobID(jobID)

	ctx, span := o.tracer.Start(context.WithoutCancel(ctx), "render.archive",
		trace.WithAttributes(attribute.String("storage.provider", o.archive.Provider())))
	defer span.End()

	err := o.putArchive(ctx, jobID, output)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if o.metrics != nil {
			o.metrics.ArchiveErrors.Inc()
		}
		log.Warn("archive failed", "provider", o.archive.Provider(), "error", err)
		return
	}
	log.Info("render archived", "provider", o.archive.Provider(), "key", ArchiveKey(jobID))
}

func (o *Orchestrator) putArchive(ctx context.Context, jobID, output string) error {
	f, err := os.Open(output)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = o.archive.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   ArchiveKey(jobID),
		ContentType: "video/mp4",
		Reader:      f,
		Size:        st.Size(),
	})
	return err
}

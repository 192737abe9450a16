package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"audio2mp4/internal/httpkit"
	"audio2mp4/internal/jobs"
	"audio2mp4/internal/media"
	apperrors "audio2mp4/internal/pkg/errors"
	"audio2mp4/internal/render"
	"audio2mp4/internal/staging"
)

const (
	// multipartMemory is how much of a form is held in memory before parts
	// spill to temp files.
	multipartMemory = 32 << 20
	// formOverhead leaves room for boundaries and the meta field on top of
	// the file payload ceiling.
	formOverhead = 1 << 20
)

// SubmitRender admits a multipart render request and starts it.
func (h *Handler) SubmitRender(w http.ResponseWriter, r *http.Request) error {
	if h.registry.Busy() {
		h.metrics.Busy()
		return jobs.BusyError("render.submit")
	}

	limits := h.stager.Limits()
	if limits.MaxTotalBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limits.MaxTotalBytes+formOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return uploadError(err, limits)
	}
	defer r.MultipartForm.RemoveAll()

	meta, err := staging.ParseMeta(formValue(r.MultipartForm, "meta"))
	if err != nil {
		return err
	}

	jobID := uuid.NewString()
	dir, err := h.stager.Stage(jobID, meta, uploads(r.MultipartForm))
	if err != nil {
		return err
	}

	if err := h.admit(jobID, meta, dir); err != nil {
		return err
	}
	h.launcher.Launch(jobID)

	h.log.FromContext(r.Context()).Info("render job accepted",
		"job_id", jobID,
		"tracks", len(meta.Tracks),
		"dimensions", fmt.Sprintf("%dx%d@%d", meta.Width, meta.Height, meta.FPS),
	)
	httpkit.WriteJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
	return nil
}

// admit claims the gate for jobID, then registers the job. Another
// submission may have won the gate since the Busy check, in which case the
// staged dir is removed and the registry is left untouched.
func (h *Handler) admit(jobID string, meta jobs.Meta, dir string) error {
	if err := h.registry.TryAcquireGate(jobID); err != nil {
		_ = os.RemoveAll(dir)
		h.metrics.Busy()
		return err
	}
	if err := h.registry.Put(jobs.New(jobID, meta, dir)); err != nil {
		h.registry.ReleaseGate(jobID)
		_ = os.RemoveAll(dir)
		return err
	}
	return nil
}

type statusResponse struct {
	*jobs.Job
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// JobStatus returns the job record.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) error {
	job, err := h.registry.Get(chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}

	resp := statusResponse{Job: job}
	if job.Status == jobs.StatusDone {
		resp.DownloadURL = render.DownloadURL(job.ID)
	}
	httpkit.WriteJSON(w, http.StatusOK, resp)
	return nil
}

// Download serves the finished video as an attachment.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) error {
	job, err := h.registry.Get(chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	if job.Status != jobs.StatusDone {
		return apperrors.Newf(apperrors.CodeConflict, "Job %s is not complete (status: %s)", job.ID, job.Status).
			WithField("status", string(job.Status))
	}

	f, err := os.Open(filepath.Join(job.WorkDir, media.OutputName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperrors.NotFound("output", job.ID)
		}
		return apperrors.Wrap(err, "render.download", "failed to open output")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return apperrors.Wrap(err, "render.download", "failed to stat output")
	}

	name := "render-" + job.ID + ".mp4"
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, st.ModTime(), f)
	return nil
}

// uploadError maps multipart parsing failures onto the error taxonomy.
func uploadError(err error, limits staging.Limits) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperrors.Newf(apperrors.CodePayloadTooLarge,
			"Total payload size exceeds limit of %dMB", limits.MaxTotalBytes>>20)
	}
	if errors.Is(err, http.ErrNotMultipart) {
		return apperrors.Validation("Request must be multipart/form-data")
	}
	return apperrors.WrapWithCode(err, apperrors.CodeValidation, "render.upload", "Upload error: "+err.Error())
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// uploads flattens the form's files in field order.
func uploads(form *multipart.Form) []staging.Upload {
	fields := make([]string, 0, len(form.File))
	for field := range form.File {
		fields = append(fields, field)
	}
	slices.Sort(fields)

	var out []staging.Upload
	for _, field := range fields {
		for _, fh := range form.File[field] {
			out = append(out, staging.Upload{
				Field:       field,
				Filename:    fh.Filename,
				ContentType: strings.TrimSpace(fh.Header.Get("Content-Type")),
				Size:        fh.Size,
				Open:        opener(fh),
			})
		}
	}
	return out
}

func opener(fh *multipart.FileHeader) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return fh.Open()
	}
}

// Package staging validates a render submission and lays its files out in a
// fresh working directory where the segment renderer can find them.
package staging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"audio2mp4/internal/jobs"
	"audio2mp4/internal/media"
	apperrors "audio2mp4/internal/pkg/errors"
	"audio2mp4/internal/pkg/logger"
	"audio2mp4/internal/retention"
)

const (
	MinTracks = 2
	MaxTracks = 10
	// MaxFiles is one audio and one image per track.
	MaxFiles = 2 * MaxTracks
)

var (
	AudioExtensions = []string{"mp3", "wav", "m4a", "aac", "flac", "ogg"}
	ImageExtensions = []string{"jpg", "jpeg", "png", "webp"}

	audioMimes = map[string]string{
		"audio/mpeg":   "mp3",
		"audio/mp3":    "mp3",
		"audio/wav":    "wav",
		"audio/x-wav":  "wav",
		"audio/mp4":    "m4a",
		"audio/x-m4a":  "m4a",
		"audio/aac":    "aac",
		"audio/flac":   "flac",
		"audio/x-flac": "flac",
		"audio/ogg":    "ogg",
	}
	imageMimes = map[string]string{
		"image/jpeg": "jpg",
		"image/jpg":  "jpg",
		"image/png":  "png",
		"image/webp": "webp",
	}

	fieldPattern = regexp.MustCompile(`^(audio|image)_(\d+)$`)
)

// Upload is one submitted file, independent of the transport.
type Upload struct {
	Field       string
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// Limits bounds a submission in bytes.
type Limits struct {
	MaxFileBytes  int64
	MaxTotalBytes int64
}

// ParseMeta decodes and validates the meta form field.
func ParseMeta(raw string) (jobs.Meta, error) {
	var meta jobs.Meta
	if strings.TrimSpace(raw) == "" {
		return meta, apperrors.Validation("Missing meta field in request")
	}

	var probe struct {
		Tracks json.RawMessage `json:"tracks"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return meta, apperrors.Validation("Invalid JSON in meta field")
	}
	if len(probe.Tracks) == 0 || probe.Tracks[0] != '[' {
		return meta, apperrors.Validation("meta.tracks must be an array")
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return meta, apperrors.Validation("Invalid JSON in meta field")
	}

	return meta, CheckMeta(meta)
}

// CheckMeta validates the track count and the target frame.
func CheckMeta(meta jobs.Meta) error {
	if n := len(meta.Tracks); n < MinTracks || n > MaxTracks {
		return apperrors.Validationf("Number of tracks must be between %d and %d, got %d", MinTracks, MaxTracks, n).
			WithField("tracks", n)
	}
	if meta.Width <= 0 || meta.Height <= 0 || meta.FPS <= 0 {
		return apperrors.Validation("meta must include positive width, height, and fps")
	}
	return nil
}

// pair holds the two uploads of one track.
type pair struct {
	audio, image *Upload
}

// Validate checks sizes, field names and file types of uploads against meta.
func Validate(meta jobs.Meta, uploads []Upload, limits Limits) error {
	_, err := group(meta, uploads, limits)
	return err
}

// group validates uploads and returns them by track index.
func group(meta jobs.Meta, uploads []Upload, limits Limits) ([]pair, error) {
	if len(uploads) == 0 {
		return nil, apperrors.Validation("No files uploaded")
	}
	if len(uploads) > MaxFiles {
		return nil, apperrors.Validation("Too many files uploaded")
	}

	var total int64
	for _, u := range uploads {
		if limits.MaxFileBytes > 0 && u.Size > limits.MaxFileBytes {
			return nil, apperrors.Newf(apperrors.CodePayloadTooLarge,
				"File size exceeds limit of %dMB", limits.MaxFileBytes>>20).WithField("field", u.Field)
		}
		total += u.Size
	}
	if limits.MaxTotalBytes > 0 && total > limits.MaxTotalBytes {
		return nil, apperrors.Newf(apperrors.CodePayloadTooLarge,
			"Total payload size (%.2fMB) exceeds limit of %dMB", float64(total)/(1<<20), limits.MaxTotalBytes>>20)
	}

	pairs := make([]pair, len(meta.Tracks))
	for i := range uploads {
		u := &uploads[i]
		m := fieldPattern.FindStringSubmatch(u.Field)
		if m == nil {
			return nil, apperrors.Validationf("Invalid field name: %s. Expected format: audio_N or image_N", u.Field)
		}
		index, err := strconv.Atoi(m[2])
		if err != nil || index >= len(meta.Tracks) {
			return nil, apperrors.Validationf("File index %s out of range (tracks: %d)", m[2], len(meta.Tracks))
		}

		slot := &pairs[index].image
		if m[1] == "audio" {
			slot = &pairs[index].audio
		}
		if *slot != nil {
			return nil, apperrors.Validationf("Duplicate %s file for track %d", m[1], index)
		}
		*slot = u
	}

	for i, p := range pairs {
		if p.audio == nil {
			return nil, apperrors.Validationf("Missing audio file for track %d", i)
		}
		if p.image == nil {
			return nil, apperrors.Validationf("Missing image file for track %d", i)
		}
	}

	for _, p := range pairs {
		if _, err := StoredExt("audio", p.audio.Filename, p.audio.ContentType); err != nil {
			return nil, err
		}
		if _, err := StoredExt("image", p.image.Filename, p.image.ContentType); err != nil {
			return nil, err
		}
	}
	return pairs, nil
}

// StoredExt picks the extension a file is stored under. A file is accepted
// when either its extension or its content type is allowed; an allowed
// extension is kept, otherwise the content type decides.
func StoredExt(kind, filename, contentType string) (string, error) {
	allowed, mimes := AudioExtensions, audioMimes
	if kind == "image" {
		allowed, mimes = ImageExtensions, imageMimes
	}

	ext := fileExt(filename)
	if slices.Contains(allowed, ext) {
		return ext, nil
	}

	mime := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if mapped, ok := mimes[mime]; ok {
		return mapped, nil
	}

	got := ext
	if got == "" {
		got = mime
	}
	return "", apperrors.Newf(apperrors.CodeUnsupportedMedia,
		"Invalid %s file type: %s. Allowed types: %s", kind, got, strings.Join(allowed, ", "))
}

// fileExt returns the lower-cased extension without the dot, or "" when the
// name has none or it contains anything but letters and digits.
func fileExt(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// Stager writes validated submissions into per-job working directories.
type Stager struct {
	root   string
	limits Limits
	log    *logger.Logger
}

// NewStager creates a stager rooted at root. An empty root selects the OS
// temp directory.
func NewStager(root string, limits Limits, log *logger.Logger) *Stager {
	if root == "" {
		root = os.TempDir()
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Stager{root: root, limits: limits, log: log.WithComponent("staging")}
}

// Root returns the parent of all working directories.
func (s *Stager) Root() string { return s.root }

// Limits returns the configured size ceilings.
func (s *Stager) Limits() Limits { return s.limits }

// Stage validates uploads against meta, creates a unique working directory
// for jobID and saves each track's files as audio_<i>.<ext> and
// image_<i>.<ext>. Nothing is left on disk when it fails.
func (s *Stager) Stage(jobID string, meta jobs.Meta, uploads []Upload) (string, error) {
	pairs, err := group(meta, uploads, s.limits)
	if err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp(s.root, retention.WorkDirPrefix+jobID+"-")
	if err != nil {
		return "", apperrors.Wrap(err, "staging.mkdir", "failed to create work dir")
	}

	for i, p := range pairs {
		if err := save(dir, "audio", i, p.audio); err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
		if err := save(dir, "image", i, p.image); err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
	}

	s.log.Info("submission staged", "job_id", jobID, "dir", dir, "tracks", len(pairs))
	return dir, nil
}

func save(dir, kind string, index int, u *Upload) error {
	ext, err := StoredExt(kind, u.Filename, u.ContentType)
	if err != nil {
		return err
	}
	dst := filepath.Join(dir, media.InputPrefix(kind, index)+ext)

	src, err := u.Open()
	if err != nil {
		return apperrors.Wrap(err, "staging.open", fmt.Sprintf("failed to read %s", u.Field))
	}
	defer src.Close()

	f, err := os.Create(dst)
	if err != nil {
		return apperrors.Wrap(err, "staging.create", "failed to save upload")
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return apperrors.Wrap(err, "staging.copy", "failed to save upload")
	}
	if err := f.Close(); err != nil {
		return apperrors.Wrap(err, "staging.close", "failed to save upload")
	}
	return nil
}

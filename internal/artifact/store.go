package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"media-pipeline/internal/models"
)

// Index records which artifact belongs to which job. Both ledgers implement it.
type Index interface {
	GetArtifact(ctx context.Context, jobID string) (models.Artifact, bool, error)
	// InsertArtifact stores a unless the job already has an artifact, in which
	// case the existing one is returned with inserted=false.
	InsertArtifact(ctx context.Context, a models.Artifact) (models.Artifact, bool, error)
}

// Store persists generated media. Save is idempotent per job.
type Store struct {
	blob         Blob
	index        Index
	previewWidth int
	log          zerolog.Logger
	now          func() time.Time
}

func NewStore(blob Blob, index Index, previewWidth int, log zerolog.Logger) *Store {
	return &Store{
		blob:         blob,
		index:        index,
		previewWidth: previewWidth,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Save writes data for job and records it. A job that already has an artifact
// gets the existing one back and nothing is rewritten.
func (s *Store) Save(ctx context.Context, job models.Job, data []byte, mediaType string) (models.Artifact, error) {
	if len(data) == 0 {
		return models.Artifact{}, errors.New("artifact is empty")
	}
	existing, found, err := s.index.GetArtifact(ctx, job.ID)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("lookup artifact: %w", err)
	}
	if found {
		return existing, nil
	}

	key := StorageKey(job.ID, job.Capability, mediaType)
	location, err := s.blob.Put(ctx, key, data, mediaType)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("write artifact: %w", err)
	}

	a := models.Artifact{
		JobID:      job.ID,
		MediaType:  mediaType,
		StorageRef: key,
		SizeBytes:  int64(len(data)),
		CreatedAt:  s.now(),
	}
	if job.Capability == models.CapabilityImage && s.previewWidth > 0 {
		a.PreviewRef = s.writePreview(ctx, job.ID, data)
	}

	stored, inserted, err := s.index.InsertArtifact(ctx, a)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("index artifact: %w", err)
	}
	if !inserted && stored.StorageRef != a.StorageRef {
		s.log.Error().
			Bool("invariant", true).
			Str("job_id", job.ID).
			Str("existing_ref", stored.StorageRef).
			Str("new_ref", a.StorageRef).
			Msg("conflicting artifact for job; keeping existing")
	}
	s.log.Debug().Str("job_id", job.ID).Str("location", location).Int64("size", a.SizeBytes).Msg("artifact saved")
	return stored, nil
}

func (s *Store) writePreview(ctx context.Context, jobID string, data []byte) string {
	thumb, err := Preview(data, s.previewWidth)
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("preview skipped")
		return ""
	}
	key := "previews/" + jobID + ".jpg"
	if _, err := s.blob.Put(ctx, key, thumb, "image/jpeg"); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("preview write failed")
		return ""
	}
	return key
}

// StorageKey is the blob key for a job's output: images/<id>.png, videos/<id>.mp4.
func StorageKey(jobID string, capability models.Capability, mediaType string) string {
	namespace := "images"
	if capability == models.CapabilityVideo {
		namespace = "videos"
	}
	return namespace + "/" + jobID + "." + ExtensionForMIME(mediaType, capability)
}

// ExtensionForMIME maps a media type onto a file extension.
func ExtensionForMIME(mediaType string, capability models.Capability) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(mediaType, ";", 2)[0])) {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "video/mp4":
		return "mp4"
	case "video/webm":
		return "webm"
	case "video/quicktime":
		return "mov"
	}
	if capability == models.CapabilityVideo {
		return "mp4"
	}
	return "png"
}

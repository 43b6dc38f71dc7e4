package artifacts

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"video-pipeline/internal/models"
)

// Downloader streams one artifact of a job. *pipeline.Orchestrator
// satisfies it.
type Downloader interface {
	JobID() string
	Download(ctx context.Context, artifact models.ArtifactType) (io.ReadCloser, string, error)
}

// Exporter copies stage artifacts out of the backend into a Sink.
type Exporter struct {
	sink   Sink
	tmpDir string
}

func NewExporter(sink Sink) *Exporter {
	return &Exporter{sink: sink}
}

// Export downloads the artifact into a temp file and hands it to the sink.
// It returns the sink location of the artifact.
func (e *Exporter) Export(ctx context.Context, job Downloader, artifact models.ArtifactType) (string, error) {
	if !artifact.Valid() {
		return "", fmt.Errorf("export: unknown artifact type %q", artifact)
	}
	body, contentType, err := job.Download(ctx, artifact)
	if err != nil {
		return "", err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(e.tmpDir, "export-*."+artifact.Extension())
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	n, err := io.Copy(tmp, body)
	if err != nil {
		return "", fmt.Errorf("buffer %s: %w", artifact, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind temp file: %w", err)
	}

	key := Key(job.JobID(), artifact)
	location, err := e.sink.Put(ctx, key, tmp, contentType)
	if err != nil {
		return "", fmt.Errorf("export %s: %w", artifact, err)
	}
	log.Printf("exported job=%s artifact=%s bytes=%d to %s", job.JobID(), artifact, n, location)
	return location, nil
}

// Key is the sink key of an artifact: <job id>/<type>.<ext>.
func Key(jobID string, artifact models.ArtifactType) string {
	return fmt.Sprintf("%s/%s.%s", jobID, artifact, artifact.Extension())
}

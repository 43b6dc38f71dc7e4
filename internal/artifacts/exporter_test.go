package artifacts

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"video-pipeline/internal/models"
)

type stubDownloader struct {
	jobID string
	body  string
	err   error
}

func (s stubDownloader) JobID() string { return s.jobID }

func (s stubDownloader) Download(_ context.Context, artifact models.ArtifactType) (io.ReadCloser, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	return io.NopCloser(strings.NewReader(s.body)), artifact.ContentType(), nil
}

func TestExportToLocalSink(t *testing.T) {
	dir := t.TempDir()
	exp := NewExporter(&LocalSink{BaseDir: dir})

	loc, err := exp.Export(context.Background(), stubDownloader{jobID: "J1", body: "mp4-bytes"}, models.ArtifactFinalVideo)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	want := filepath.Join(dir, "J1", "final_video.mp4")
	if loc != want {
		t.Fatalf("location = %s, want %s", loc, want)
	}
	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if string(data) != "mp4-bytes" {
		t.Fatalf("exported content = %q", data)
	}
}

func TestExportPropagatesDownloadError(t *testing.T) {
	boom := errors.New("backend down")
	exp := NewExporter(&LocalSink{BaseDir: t.TempDir()})
	if _, err := exp.Export(context.Background(), stubDownloader{jobID: "J1", err: boom}, models.ArtifactAudio); !errors.Is(err, boom) {
		t.Fatalf("expected download error, got %v", err)
	}
	if _, err := exp.Export(context.Background(), stubDownloader{jobID: "J1"}, "thumbnail"); err == nil {
		t.Fatal("expected error for unknown artifact type")
	}
}

func TestLocalSinkKeepsKeysInsideBaseDir(t *testing.T) {
	dir := t.TempDir()
	sink := &LocalSink{BaseDir: dir}
	loc, err := sink.Put(context.Background(), "../../etc/passwd", strings.NewReader("x"), "text/plain")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(loc, dir) {
		t.Fatalf("sink escaped its base dir: %s", loc)
	}
}

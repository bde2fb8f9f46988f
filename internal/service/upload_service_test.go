package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/internal/pipeline"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/storage"
	"pdf-assistant-go/pkg/tasks"
)

type fakeIngester struct {
	sources []pipeline.Source
	err     error
}

func (f *fakeIngester) Ingest(ctx context.Context, src pipeline.Source) (*pipeline.Result, error) {
	f.sources = append(f.sources, src)
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Result{Document: &model.Document{ID: "doc-1", Filename: src.Filename, ChunkCount: 4}}, nil
}

type fakeQueue struct {
	tasks []tasks.IngestTask
	err   error
}

func (q *fakeQueue) Enqueue(ctx context.Context, task tasks.IngestTask) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

var samplePDF = []byte("%PDF-1.4\nbody")

func newUploadEnv(t *testing.T) (*fixture, *storage.Local) {
	t.Helper()
	blobs, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return newFixture(t), blobs
}

func TestUpload_Validation(t *testing.T) {
	f, blobs := newUploadEnv(t)
	ing := &fakeIngester{}
	svc := NewUploadService(ing, f.docs, blobs, nil, 64)
	ctx := context.Background()

	_, err := svc.Upload(ctx, "notes.txt", samplePDF)
	assert.ErrorIs(t, err, errs.ErrUnsupportedFileType)

	_, err = svc.Upload(ctx, "big.pdf", append([]byte("%PDF-"), bytes.Repeat([]byte("x"), 64)...))
	assert.ErrorIs(t, err, errs.ErrFileTooLarge)

	_, err = svc.Upload(ctx, "fake.pdf", []byte("hello world"))
	assert.ErrorIs(t, err, errs.ErrUnreadablePDF)

	_, err = svc.Upload(ctx, "", samplePDF)
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)

	assert.Empty(t, ing.sources)
}

func TestUpload_SyncIngestsAndStoresBlob(t *testing.T) {
	f, blobs := newUploadEnv(t)
	ing := &fakeIngester{}
	svc := NewUploadService(ing, f.docs, blobs, nil, 1<<20)

	res, err := svc.Upload(context.Background(), "../../etc/Report.PDF", samplePDF)
	require.NoError(t, err)

	assert.Equal(t, "doc-1", res.DocumentID)
	assert.Equal(t, "Report.PDF", res.Filename)
	assert.Equal(t, "File processed successfully", res.Message())
	require.Len(t, ing.sources, 1)
	assert.Equal(t, "Report.PDF", ing.sources[0].Filename)

	data, err := blobs.Get(context.Background(), storage.ObjectKey("doc-1"))
	require.NoError(t, err)
	assert.Equal(t, samplePDF, data)
}

func TestUpload_DuplicateContent(t *testing.T) {
	ctx := context.Background()
	f, blobs := newUploadEnv(t)
	require.NoError(t, f.docs.Create(ctx, &model.Document{
		ID: "existing", Filename: "first.pdf", ContentHash: pipeline.ContentHash(samplePDF), UploadTime: time.Now(),
	}))
	ing := &fakeIngester{}
	svc := NewUploadService(ing, f.docs, blobs, &fakeQueue{}, 1<<20)

	res, err := svc.Upload(ctx, "again.pdf", samplePDF)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "existing", res.DocumentID)
	assert.Equal(t, "File already processed", res.Message())
	assert.Empty(t, ing.sources)
}

func TestUpload_IngestErrorPropagates(t *testing.T) {
	f, blobs := newUploadEnv(t)
	svc := NewUploadService(&fakeIngester{err: errs.ErrEmbeddingUnavailable}, f.docs, blobs, nil, 1<<20)

	_, err := svc.Upload(context.Background(), "a.pdf", samplePDF)
	assert.ErrorIs(t, err, errs.ErrEmbeddingUnavailable)
}

func TestUpload_AsyncQueuesTask(t *testing.T) {
	ctx := context.Background()
	f, blobs := newUploadEnv(t)
	q := &fakeQueue{}
	ing := &fakeIngester{}
	svc := NewUploadService(ing, f.docs, blobs, q, 1<<20)

	res, err := svc.Upload(ctx, "a.pdf", samplePDF)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, "File queued for processing", res.Message())
	assert.Empty(t, ing.sources)

	require.Len(t, q.tasks, 1)
	task := q.tasks[0]
	assert.Equal(t, res.DocumentID, task.DocumentID)
	assert.Equal(t, storage.ObjectKey(res.DocumentID), task.ObjectKey)
	assert.Equal(t, pipeline.ContentHash(samplePDF), task.ContentHash)

	data, err := blobs.Get(ctx, task.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, samplePDF, data)
}

func TestUpload_AsyncQueueFailureCleansBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := t.TempDir()
	blobs, err := storage.NewLocal(dir)
	require.NoError(t, err)
	svc := NewUploadService(&fakeIngester{}, f.docs, blobs, &fakeQueue{err: errors.New("broker down")}, 1<<20)

	_, err = svc.Upload(ctx, "a.pdf", samplePDF)
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "documents"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

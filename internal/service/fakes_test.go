package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"pdf-assistant-go/internal/index"
	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/internal/repository"
	"pdf-assistant-go/pkg/embedding"
	"pdf-assistant-go/pkg/llm"
)

// fakeLLM 记录收到的消息并返回固定回答。
type fakeLLM struct {
	mu     sync.Mutex
	calls  [][]llm.Message
	answer string
	chunks []string
	err    error
}

func (f *fakeLLM) Model() string { return "fake-llm" }

func (f *fakeLLM) Generate(ctx context.Context, messages []llm.Message, _ *llm.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeLLM) StreamChatMessages(ctx context.Context, messages []llm.Message, _ *llm.GenerationParams, w llm.MessageWriter) error {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	chunks, err := f.chunks, f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := w.WriteMessage(websocket.TextMessage, []byte(c)); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeLLM) lastSystem() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1][0].Content
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeWeb 在 delay 之后返回结果，期间响应 ctx 取消。
type fakeWeb struct {
	results []model.WebSnippet
	err     error
	delay   time.Duration
}

func (f *fakeWeb) Name() string { return "fake" }

func (f *fakeWeb) Search(ctx context.Context, query string, n int) ([]model.WebSnippet, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type recordingWriter struct {
	chunks []string
}

func (w *recordingWriter) WriteMessage(_ int, data []byte) error {
	w.chunks = append(w.chunks, string(data))
	return nil
}

// fixture 是一个带真实索引、bolt 登记表和本地向量化的测试环境。
type fixture struct {
	store    *index.Store
	docs     repository.DocumentRepository
	embedder embedding.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := index.Open(filepath.Join(t.TempDir(), "index.db"), index.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	docs, err := repository.NewBoltDocumentRepository(store.DB())
	require.NoError(t, err)
	return &fixture{store: store, docs: docs, embedder: embedding.NewLocalClient(256)}
}

// addDocument 登记文档并把每段文本作为一个片段写入索引，片段 i 位于第 i+1 页。
func (f *fixture) addDocument(t *testing.T, id, filename string, texts ...string) {
	t.Helper()
	ctx := context.Background()
	vecs, err := f.embedder.EmbedBatch(ctx, texts)
	require.NoError(t, err)

	items := make([]index.Item, len(texts))
	for i, text := range texts {
		items[i] = index.Item{
			Chunk: model.Chunk{
				ID:         model.ChunkID(id, i),
				DocumentID: id,
				ChunkIndex: i,
				Page:       i + 1,
				Text:       text,
			},
			Vector: vecs[i],
		}
	}
	if len(items) > 0 {
		require.NoError(t, f.store.Add(ctx, items...))
	}
	require.NoError(t, f.docs.Create(ctx, &model.Document{
		ID:          id,
		Filename:    filename,
		ContentHash: "hash-" + id,
		UploadTime:  time.Now().UTC(),
		PageCount:   len(texts),
		ChunkCount:  len(texts),
	}))
}

package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/pkg/cache"
	"pdf-assistant-go/pkg/tasks"
)

type fakeProcessor struct {
	calls int
	err   error
}

func (f *fakeProcessor) Process(ctx context.Context, task tasks.IngestTask) error {
	f.calls++
	return f.err
}

func message(t *testing.T, id string) []byte {
	t.Helper()
	b, err := json.Marshal(tasks.IngestTask{DocumentID: id, Filename: id + ".pdf", ObjectKey: "documents/" + id + ".pdf"})
	require.NoError(t, err)
	return b
}

func TestHandle_SuccessCommits(t *testing.T) {
	p := &fakeProcessor{}
	c := NewConsumer(config.KafkaConfig{}, p, cache.NewMemory(100), 3)

	assert.True(t, c.Handle(context.Background(), message(t, "doc-1")))
	assert.Equal(t, 1, p.calls)
}

func TestHandle_MalformedMessageCommits(t *testing.T) {
	p := &fakeProcessor{}
	c := NewConsumer(config.KafkaConfig{}, p, cache.NewMemory(100), 3)

	assert.True(t, c.Handle(context.Background(), []byte("{not json")))
	assert.Zero(t, p.calls)
}

func TestHandle_RetriesUntilMaxAttempts(t *testing.T) {
	ctx := context.Background()
	p := &fakeProcessor{err: errors.New("embedding down")}
	attempts := cache.NewMemory(100)
	c := NewConsumer(config.KafkaConfig{}, p, attempts, 3)

	assert.False(t, c.Handle(ctx, message(t, "doc-1")))
	assert.False(t, c.Handle(ctx, message(t, "doc-1")))
	assert.True(t, c.Handle(ctx, message(t, "doc-1")))
	assert.Equal(t, 3, p.calls)

	// 计数器已清理，新的失败重新计数
	_, ok, err := attempts.Get(ctx, "kafka:attempts:doc-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandle_SuccessResetsAttempts(t *testing.T) {
	ctx := context.Background()
	p := &fakeProcessor{err: errors.New("boom")}
	attempts := cache.NewMemory(100)
	c := NewConsumer(config.KafkaConfig{}, p, attempts, 3)

	assert.False(t, c.Handle(ctx, message(t, "doc-1")))
	p.err = nil
	assert.True(t, c.Handle(ctx, message(t, "doc-1")))

	_, ok, _ := attempts.Get(ctx, "kafka:attempts:doc-1")
	assert.False(t, ok)
}

func TestBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, brokers(" a:9092, ,b:9092"))
	assert.Empty(t, brokers(""))
}

package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsSentinel(t *testing.T) {
	err := E(KindEmbeddingUnavailable, "embedding call failed", errors.New("dial tcp: refused"))
	wrapped := fmt.Errorf("ingest: %w", err)

	assert.True(t, errors.Is(wrapped, ErrEmbeddingUnavailable))
	assert.False(t, errors.Is(wrapped, ErrGenerationUnavailable))
	assert.Equal(t, KindEmbeddingUnavailable, KindOf(wrapped))
	assert.Contains(t, err.Error(), "dial tcp")
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := context.DeadlineExceeded
	err := E(KindGenerationUnavailable, "generation failed", cause)

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, KindGenerationUnavailable, KindOf(err))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindCanceled, KindOf(fmt.Errorf("x: %w", context.Canceled)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindCorruptIndex, KindOf(ErrCorruptIndex))
}

func TestMessage_HidesCause(t *testing.T) {
	err := E(KindCorruptIndex, "vector index is corrupt", errors.New("/var/lib/secret/index.db: bad magic"))
	assert.Equal(t, "vector index is corrupt", Message(err))
	assert.Equal(t, "internal error", Message(errors.New("/tmp/x: boom")))
}

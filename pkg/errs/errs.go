// Package errs 定义了检索核心的错误分类。
// 每个错误都有一个稳定的机器可读 Kind，HTTP 层据此选择状态码。
package errs

import (
	"context"
	"errors"
)

// Kind 是错误的稳定分类标识。
type Kind string

const (
	KindUnreadablePDF         Kind = "unreadable_pdf"
	KindInvalidChunkConfig    Kind = "invalid_chunk_config"
	KindEmbeddingUnavailable  Kind = "embedding_unavailable"
	KindDimensionMismatch     Kind = "dimension_mismatch"
	KindCorruptIndex          Kind = "corrupt_index"
	KindGenerationUnavailable Kind = "generation_unavailable"
	KindDocumentNotFound      Kind = "document_not_found"
	KindWebSearchUnavailable  Kind = "web_search_unavailable"
	KindInvalidRequest        Kind = "invalid_request"
	KindFileTooLarge          Kind = "file_too_large"
	KindUnsupportedFileType   Kind = "unsupported_file_type"
	KindCanceled              Kind = "canceled"
	KindInternal              Kind = "internal"
)

// 哨兵错误，可配合 errors.Is 使用。
var (
	ErrUnreadablePDF         = &Error{Kind: KindUnreadablePDF, Msg: "pdf is unreadable or contains no extractable text"}
	ErrInvalidChunkConfig    = &Error{Kind: KindInvalidChunkConfig, Msg: "invalid chunk configuration"}
	ErrEmbeddingUnavailable  = &Error{Kind: KindEmbeddingUnavailable, Msg: "embedding provider unavailable"}
	ErrDimensionMismatch     = &Error{Kind: KindDimensionMismatch, Msg: "vector dimension mismatch"}
	ErrCorruptIndex          = &Error{Kind: KindCorruptIndex, Msg: "vector index is corrupt"}
	ErrGenerationUnavailable = &Error{Kind: KindGenerationUnavailable, Msg: "generation provider unavailable"}
	ErrDocumentNotFound      = &Error{Kind: KindDocumentNotFound, Msg: "document not found"}
	ErrWebSearchUnavailable  = &Error{Kind: KindWebSearchUnavailable, Msg: "web search unavailable"}
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest, Msg: "invalid request"}
	ErrFileTooLarge          = &Error{Kind: KindFileTooLarge, Msg: "file too large"}
	ErrUnsupportedFileType   = &Error{Kind: KindUnsupportedFileType, Msg: "unsupported file type"}
)

var sentinels = map[Kind]*Error{
	KindUnreadablePDF:         ErrUnreadablePDF,
	KindInvalidChunkConfig:    ErrInvalidChunkConfig,
	KindEmbeddingUnavailable:  ErrEmbeddingUnavailable,
	KindDimensionMismatch:     ErrDimensionMismatch,
	KindCorruptIndex:          ErrCorruptIndex,
	KindGenerationUnavailable: ErrGenerationUnavailable,
	KindDocumentNotFound:      ErrDocumentNotFound,
	KindWebSearchUnavailable:  ErrWebSearchUnavailable,
	KindInvalidRequest:        ErrInvalidRequest,
	KindFileTooLarge:          ErrFileTooLarge,
	KindUnsupportedFileType:   ErrUnsupportedFileType,
}

// Error 携带分类、面向用户的消息以及内部原因。
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// E 构造一个带分类的错误，cause 可以为 nil。
func E(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 使同一 Kind 的错误与对应哨兵错误相等。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if s, ok := sentinels[e.Kind]; ok && t == s {
		return true
	}
	return e == t
}

// KindOf 返回 err 链上第一个分类；上下文取消单独归类。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindInternal
}

// Message 返回可以安全展示给用户的消息，不包含内部原因。
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	if KindOf(err) == KindCanceled {
		return "request canceled or timed out"
	}
	return "internal error"
}

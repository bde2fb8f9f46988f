package model

// WebSnippet 是外部网络搜索返回的一条摘要。
type WebSnippet struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// QueryRequest 描述一次检索增强问答请求。
type QueryRequest struct {
	Query        string `json:"query"`
	UseWebSearch bool   `json:"use_web_search"`
	DocumentID   string `json:"document_id,omitempty"`
	TopK         int    `json:"top_k,omitempty"`
}

// QueryResult 是一次查询的结果，不做持久化。
type QueryResult struct {
	Query         string        `json:"query"`
	Answer        string        `json:"answer"`
	Chunks        []ScoredChunk `json:"chunks"`
	WebSources    []WebSnippet  `json:"webSources,omitempty"`
	UsedWebSearch bool          `json:"usedWebSearch"`
	NoContext     bool          `json:"noContext"`
}

// QueryStage 是查询状态机中的阶段。
type QueryStage string

const (
	StageEmbedding     QueryStage = "embedding"
	StageRetrieving    QueryStage = "retrieving"
	StageWebAugmenting QueryStage = "web_augmenting"
	StageGenerating    QueryStage = "generating"
	StageDone          QueryStage = "done"
	StageFailed        QueryStage = "failed"
)

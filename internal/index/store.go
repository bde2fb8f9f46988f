package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/log"
)

const formatVersion = 1

var (
	bucketMeta   = []byte("index_meta")
	bucketChunks = []byte("index_chunks")
	keyMeta      = []byte("meta")
)

// Options 控制 Store 的行为。
type Options struct {
	// Metric 只在新建索引时生效，已有索引沿用持久化的度量。
	Metric Metric
	// RebuildRatio: 墓碑数超过 RebuildRatio * 存活向量数时触发重建。
	RebuildRatio float64
	// SaveOnMutation 为 true 时每次 Add/Remove 后立即落盘。
	SaveOnMutation bool
}

// DefaultOptions 返回 cosine 度量、20% 重建阈值、每次变更立即落盘。
func DefaultOptions() Options {
	return Options{Metric: MetricCosine, RebuildRatio: 0.2, SaveOnMutation: true}
}

// Stats 是索引的运行状态快照。
type Stats struct {
	Live       int
	Tombstones int
	Dimension  int
	Metric     Metric
	Dirty      bool
}

type entry struct {
	seq     uint64
	chunk   model.Chunk
	vector  []float32
	norm    float64
	deleted bool
}

type indexMeta struct {
	Version   int    `json:"version"`
	Dimension int    `json:"dimension"`
	Metric    Metric `json:"metric"`
	NextSeq   uint64 `json:"next_seq"`
}

type storedChunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Page       int       `json:"page,omitempty"`
	Text       string    `json:"text"`
	Vector     []float32 `json:"v"`
}

// Store 是基于 bbolt 持久化的精确（暴力）向量索引。
//
// 读操作持有 mu 的读锁并发执行；Add/Remove/Save/Rebuild 先获取 writeMu 互相串行，
// 只在修改内存结构时短暂持有 mu 的写锁，落盘期间不阻塞读者。
type Store struct {
	path string
	db   *bbolt.DB
	opts Options

	writeMu sync.Mutex

	mu         sync.RWMutex
	dim        int
	metric     Metric
	nextSeq    uint64
	entries    []*entry            // 写入顺序，包含墓碑
	byID       map[string]*entry   // 仅存活
	byDoc      map[string][]*entry // 仅存活，写入顺序
	live       int
	tombstones int
	pendingPut map[uint64]*entry
	pendingDel map[uint64]struct{}
	metaDirty  bool

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

var _ VectorIndex = (*Store)(nil)

// Open 打开或创建 path 处的索引文件。文件不存在时得到空索引；
// 文件无法作为索引读取时返回 errs.ErrCorruptIndex。
func Open(path string, opts Options) (*Store, error) {
	if opts.Metric == "" {
		opts.Metric = MetricCosine
	}
	if opts.RebuildRatio <= 0 {
		opts.RebuildRatio = 0.2
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("open index %s: %w", path, err)
		}
		return nil, errs.E(errs.KindCorruptIndex, "vector index is corrupt", fmt.Errorf("open %s: %w", path, err))
	}

	s := &Store{
		path:       path,
		db:         db,
		opts:       opts,
		metric:     opts.Metric,
		byID:       make(map[string]*entry),
		byDoc:      make(map[string][]*entry),
		pendingPut: make(map[uint64]*entry),
		pendingDel: make(map[uint64]struct{}),
		stop:       make(chan struct{}),
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infof("[VectorIndex] 索引已加载, path: %s, 向量数: %d, 维度: %d, 度量: %s", path, s.live, s.dim, s.metric)
	return s, nil
}

func (s *Store) load() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketChunks)
		return err
	}); err != nil {
		return fmt.Errorf("create index buckets: %w", err)
	}

	corrupt := func(format string, args ...any) error {
		return errs.E(errs.KindCorruptIndex, "vector index is corrupt", fmt.Errorf(format, args...))
	}

	return s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyMeta)
		if raw == nil {
			if tx.Bucket(bucketChunks).Stats().KeyN > 0 {
				return corrupt("chunks present without index metadata")
			}
			s.metaDirty = true
			return nil
		}
		var meta indexMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return corrupt("decode index metadata: %w", err)
		}
		if meta.Version != formatVersion {
			return corrupt("unsupported index format version %d", meta.Version)
		}
		metric, err := ParseMetric(string(meta.Metric))
		if err != nil {
			return corrupt("%w", err)
		}
		if metric != s.opts.Metric {
			log.Warnf("[VectorIndex] 配置的度量 %s 与索引文件中的 %s 不一致, 沿用索引文件的度量", s.opts.Metric, metric)
		}
		s.dim, s.metric, s.nextSeq = meta.Dimension, metric, meta.NextSeq

		return tx.Bucket(bucketChunks).ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return corrupt("malformed chunk key %x", k)
			}
			var sc storedChunk
			if err := json.Unmarshal(v, &sc); err != nil {
				return corrupt("decode chunk %x: %w", k, err)
			}
			if len(sc.Vector) != s.dim {
				return corrupt("chunk %s has dimension %d, index dimension is %d", sc.ID, len(sc.Vector), s.dim)
			}
			seq := binary.BigEndian.Uint64(k)
			if seq >= s.nextSeq {
				s.nextSeq = seq + 1
			}
			e := &entry{
				seq: seq,
				chunk: model.Chunk{
					ID:         sc.ID,
					DocumentID: sc.DocumentID,
					ChunkIndex: sc.ChunkIndex,
					Page:       sc.Page,
					Text:       sc.Text,
				},
				vector: sc.Vector,
				norm:   norm(sc.Vector),
			}
			// 同一 chunk id 在磁盘上出现两次时保留后写入的那条
			if old, ok := s.byID[e.chunk.ID]; ok {
				s.tombstoneLocked(old)
			}
			s.insertLocked(e)
			return nil
		})
	})
}

// DB 暴露底层 bbolt 句柄，文档登记表与索引共用同一个文件。
func (s *Store) DB() *bbolt.DB {
	return s.db
}

// Path 返回索引文件路径。
func (s *Store) Path() string {
	return s.path
}

// Add 写入片段。所有向量维度必须一致，且与索引已确定的维度相同，否则整批拒绝。
// 已存在的 chunk id 会被替换。
func (s *Store) Add(ctx context.Context, items ...Item) error {
	if len(items) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	want := len(items[0].Vector)
	for _, it := range items {
		if len(it.Vector) == 0 || len(it.Vector) != want {
			return errs.E(errs.KindDimensionMismatch,
				fmt.Sprintf("vector dimension mismatch: batch contains dimensions %d and %d", want, len(it.Vector)), nil)
		}
		if it.Chunk.ID == "" || it.Chunk.DocumentID == "" {
			return errs.E(errs.KindInvalidRequest, "chunk id and document id are required", nil)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.dim != 0 && s.dim != want {
		dim := s.dim
		s.mu.Unlock()
		return errs.E(errs.KindDimensionMismatch,
			fmt.Sprintf("vector dimension mismatch: expected %d, got %d", dim, want), nil)
	}
	if s.dim == 0 {
		s.dim = want
		s.metaDirty = true
	}
	for _, it := range items {
		if old, ok := s.byID[it.Chunk.ID]; ok {
			s.tombstoneLocked(old)
		}
		vec := make([]float32, len(it.Vector))
		copy(vec, it.Vector)
		e := &entry{seq: s.nextSeq, chunk: it.Chunk, vector: vec, norm: norm(vec)}
		s.nextSeq++
		s.metaDirty = true
		s.insertLocked(e)
		s.pendingPut[e.seq] = e
	}
	s.mu.Unlock()

	if s.NeedsRebuild() {
		s.rebuildLocked()
	}
	if s.opts.SaveOnMutation {
		return s.saveLocked()
	}
	return nil
}

// Search 对候选片段做精确检索。空索引返回空结果。
func (s *Store) Search(ctx context.Context, vector []float32, k int, documentID string) ([]model.ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.live == 0 {
		return nil, nil
	}
	if len(vector) != s.dim {
		return nil, errs.E(errs.KindDimensionMismatch,
			fmt.Sprintf("query dimension mismatch: expected %d, got %d", s.dim, len(vector)), nil)
	}

	candidates := s.entries
	if documentID != "" {
		candidates = s.byDoc[documentID]
	}

	type scored struct {
		e     *entry
		score float64
	}
	qNorm := norm(vector)
	scores := make([]scored, 0, len(candidates))
	for _, e := range candidates {
		if e.deleted {
			continue
		}
		scores = append(scores, scored{e: e, score: s.metric.score(vector, qNorm, e.vector, e.norm)})
	}

	// 稳定排序：分数相同的保持写入顺序
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].score > scores[j].score
	})
	if k > len(scores) {
		k = len(scores)
	}

	out := make([]model.ScoredChunk, k)
	for i := 0; i < k; i++ {
		out[i] = model.ScoredChunk{Chunk: scores[i].e.chunk, Score: scores[i].score}
	}
	return out, nil
}

// Remove 将文档的所有片段标记为墓碑，并在超过阈值时重建。
func (s *Store) Remove(ctx context.Context, documentID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	owned := s.byDoc[documentID]
	delete(s.byDoc, documentID)
	for _, e := range owned {
		s.markDeletedLocked(e)
	}
	n := len(owned)
	s.mu.Unlock()

	if n == 0 {
		return 0, nil
	}
	log.Infof("[VectorIndex] 已移除文档 %s 的 %d 个片段", documentID, n)

	if s.NeedsRebuild() {
		s.rebuildLocked()
	}
	if s.opts.SaveOnMutation {
		if err := s.saveLocked(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Chunks 返回文档的存活片段，按 ChunkIndex 排序。
func (s *Store) Chunks(ctx context.Context, documentID string) ([]model.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	owned := s.byDoc[documentID]
	out := make([]model.Chunk, 0, len(owned))
	for _, e := range owned {
		out = append(out, e.chunk)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

// DocumentIDs 返回拥有存活片段的文档 id，按字典序排列。
func (s *Store) DocumentIDs() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.byDoc))
	for id := range s.byDoc {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Count 返回存活向量数。
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live, nil
}

// Stats 返回当前状态快照。
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Live:       s.live,
		Tombstones: s.tombstones,
		Dimension:  s.dim,
		Metric:     s.metric,
		Dirty:      s.dirtyLocked(),
	}
}

// NeedsRebuild 在墓碑数超过 RebuildRatio * 存活向量数时为 true。
func (s *Store) NeedsRebuild() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tombstones > 0 && float64(s.tombstones) > s.opts.RebuildRatio*float64(s.live)
}

// Rebuild 丢弃内存中的墓碑，返回回收的条目数。
func (s *Store) Rebuild() int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.rebuildLocked()
}

func (s *Store) rebuildLocked() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]*entry, 0, s.live)
	for _, e := range s.entries {
		if !e.deleted {
			kept = append(kept, e)
		}
	}
	reclaimed := len(s.entries) - len(kept)
	s.entries = kept
	s.tombstones = 0
	log.Infof("[VectorIndex] 索引重建完成, 回收墓碑: %d, 存活: %d", reclaimed, s.live)
	return reclaimed
}

// Save 在一个 bbolt 事务中写入所有未落盘的变更。
func (s *Store) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	s.mu.RLock()
	if !s.dirtyLocked() {
		s.mu.RUnlock()
		return nil
	}
	meta := indexMeta{Version: formatVersion, Dimension: s.dim, Metric: s.metric, NextSeq: s.nextSeq}
	puts := make(map[uint64][]byte, len(s.pendingPut))
	var encErr error
	for seq, e := range s.pendingPut {
		data, err := json.Marshal(storedChunk{
			ID:         e.chunk.ID,
			DocumentID: e.chunk.DocumentID,
			ChunkIndex: e.chunk.ChunkIndex,
			Page:       e.chunk.Page,
			Text:       e.chunk.Text,
			Vector:     e.vector,
		})
		if err != nil {
			encErr = err
			break
		}
		puts[seq] = data
	}
	dels := make([]uint64, 0, len(s.pendingDel))
	for seq := range s.pendingDel {
		dels = append(dels, seq)
	}
	s.mu.RUnlock()
	if encErr != nil {
		return fmt.Errorf("encode chunk: %w", encErr)
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode index metadata: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		for _, seq := range dels {
			if err := chunks.Delete(seqKey(seq)); err != nil {
				return err
			}
		}
		for seq, data := range puts {
			if err := chunks.Put(seqKey(seq), data); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put(keyMeta, metaBytes)
	})
	if err != nil {
		return fmt.Errorf("save index: %w", err)
	}

	// writeMu 仍被持有，快照之后不会有新的变更
	s.mu.Lock()
	s.pendingPut = make(map[uint64]*entry)
	s.pendingDel = make(map[uint64]struct{})
	s.metaDirty = false
	s.mu.Unlock()

	log.Debugf("[VectorIndex] 索引已落盘, 写入: %d, 删除: %d", len(puts), len(dels))
	return nil
}

// StartFlusher 每隔 interval 保存一次未落盘的变更，直到 ctx 结束或 Close。
func (s *Store) StartFlusher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if !s.Stats().Dirty {
					continue
				}
				if err := s.Save(ctx); err != nil {
					log.Errorf("[VectorIndex] 定时落盘失败: %v", err)
				}
			}
		}
	}()
}

// Close 停止定时落盘，保存剩余变更并关闭文件。
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	saveErr := s.saveLocked()
	if err := s.db.Close(); err != nil {
		return err
	}
	return saveErr
}

func (s *Store) insertLocked(e *entry) {
	s.entries = append(s.entries, e)
	s.byID[e.chunk.ID] = e
	s.byDoc[e.chunk.DocumentID] = append(s.byDoc[e.chunk.DocumentID], e)
	s.live++
}

// tombstoneLocked 删除单个条目，包括其在文档列表中的位置。
func (s *Store) tombstoneLocked(e *entry) {
	if e.deleted {
		return
	}
	s.markDeletedLocked(e)

	owned := s.byDoc[e.chunk.DocumentID]
	for i, o := range owned {
		if o == e {
			owned = append(owned[:i:i], owned[i+1:]...)
			break
		}
	}
	if len(owned) == 0 {
		delete(s.byDoc, e.chunk.DocumentID)
	} else {
		s.byDoc[e.chunk.DocumentID] = owned
	}
}

// markDeletedLocked 标记墓碑并登记待删除的磁盘记录，不修改 byDoc。
func (s *Store) markDeletedLocked(e *entry) {
	if e.deleted {
		return
	}
	e.deleted = true
	s.live--
	s.tombstones++
	delete(s.byID, e.chunk.ID)
	delete(s.pendingPut, e.seq)
	s.pendingDel[e.seq] = struct{}{}
}

func (s *Store) dirtyLocked() bool {
	return s.metaDirty || len(s.pendingPut) > 0 || len(s.pendingDel) > 0
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

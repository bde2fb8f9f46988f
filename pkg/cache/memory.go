package cache

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory 是进程内 LRU 缓存，ttl<=0 表示不过期。
type Memory struct {
	mu      sync.Mutex
	maxSize int
	ll      *list.List
	entries map[string]*list.Element
	now     func() time.Time
}

type memEntry struct {
	key     string
	value   []byte
	expires time.Time
}

// NewMemory 创建最多保存 maxSize 个条目的缓存。
func NewMemory(maxSize int) *Memory {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Memory{
		maxSize: maxSize,
		ll:      list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	m.put(key, v, ttl)
	return nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.lookup(key); ok {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n++
		e.value = []byte(strconv.FormatInt(n, 10))
		return n, nil
	}
	m.put(key, []byte("1"), ttl)
	return 1, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		m.ll.Remove(el)
		delete(m.entries, key)
	}
	return nil
}

// Len 返回当前条目数（包含尚未清理的过期条目）。
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}

func (m *Memory) lookup(key string) (*memEntry, bool) {
	el, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*memEntry)
	if !e.expires.IsZero() && m.now().After(e.expires) {
		m.ll.Remove(el)
		delete(m.entries, key)
		return nil, false
	}
	m.ll.MoveToFront(el)
	return e, true
}

func (m *Memory) put(key string, value []byte, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	if el, ok := m.entries[key]; ok {
		e := el.Value.(*memEntry)
		e.value, e.expires = value, expires
		m.ll.MoveToFront(el)
		return
	}
	m.entries[key] = m.ll.PushFront(&memEntry{key: key, value: value, expires: expires})
	for m.ll.Len() > m.maxSize {
		oldest := m.ll.Back()
		m.ll.Remove(oldest)
		delete(m.entries, oldest.Value.(*memEntry).key)
	}
}

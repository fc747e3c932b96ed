package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// MemoryRepository 在内存中保存评估记录。dataFile 非空时以 JSON Lines 追加写入，
// 启动时回放文件，记录的锚定状态更新同样以追加方式写入。
type MemoryRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []EvaluationRecord
	byID     map[string]int
}

// NewMemoryRepository 创建不落盘的内存仓库。
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]int)}
}

// NewFileRepository 创建以 dataDir/evaluations.log 为日志的仓库。
func NewFileRepository(dataDir string) (*MemoryRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryRepository{
		dataFile: filepath.Join(dataDir, "evaluations.log"),
		byID:     make(map[string]int),
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Append 以追加写的方式记录评估结果。
func (m *MemoryRepository) Append(_ context.Context, record EvaluationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[record.ID]; exists {
		return ErrDuplicate
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = record.CreatedAt
	}
	if err := m.persist(logEntry{Kind: entryRecord, Record: &record}); err != nil {
		return err
	}
	m.byID[record.ID] = len(m.records)
	m.records = append(m.records, record)
	return nil
}

// Get 根据 ID 查询评估记录。
func (m *MemoryRepository) Get(_ context.Context, id string) (*EvaluationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	record := m.records[idx]
	return &record, nil
}

// ListLeaves 按 leaf_index 升序返回记录。
func (m *MemoryRepository) ListLeaves(_ context.Context) ([]EvaluationRecord, error) {
	m.mu.RLock()
	out := append([]EvaluationRecord(nil), m.records...)
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].LeafIndex < out[j].LeafIndex })
	return out, nil
}

// ListLatest 返回最近的评估记录，按写入顺序倒序排列。
func (m *MemoryRepository) ListLatest(_ context.Context, limit int) ([]EvaluationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]EvaluationRecord, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(results) < limit; i-- {
		results = append(results, m.records[i])
	}
	return results, nil
}

// RecordAnchor 更新记录的锚定状态。
func (m *MemoryRepository) RecordAnchor(_ context.Context, id, status, txID, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	update := anchorUpdate{ID: id, Status: status, TxID: txID, Detail: detail, UpdatedAt: time.Now().Unix()}
	if err := m.persist(logEntry{Kind: entryAnchor, Anchor: &update}); err != nil {
		return err
	}
	update.apply(&m.records[idx])
	return nil
}

// Close 对内存仓库无操作。
func (m *MemoryRepository) Close() error {
	return nil
}

const (
	entryRecord = "record"
	entryAnchor = "anchor"
)

type anchorUpdate struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	TxID      string `json:"txid,omitempty"`
	Detail    string `json:"detail,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

func (u anchorUpdate) apply(r *EvaluationRecord) {
	r.AnchorStatus = u.Status
	r.AnchorTxID = u.TxID
	r.AnchorDetail = u.Detail
	r.UpdatedAt = u.UpdatedAt
}

type logEntry struct {
	Kind   string            `json:"kind"`
	Record *EvaluationRecord `json:"record,omitempty"`
	Anchor *anchorUpdate     `json:"anchor,omitempty"`
}

func (m *MemoryRepository) persist(entry logEntry) error {
	if m.dataFile == "" {
		return nil
	}
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return storageFailure(err, "打开评估日志失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(entry)
	if err != nil {
		return storageFailure(err, "序列化评估记录失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return storageFailure(err, "写入评估日志失败")
	}
	if err := file.Sync(); err != nil {
		return storageFailure(err, "刷新评估日志失败")
	}
	return nil
}

func (m *MemoryRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取评估日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry logEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		switch entry.Kind {
		case entryRecord:
			if entry.Record == nil {
				continue
			}
			if _, exists := m.byID[entry.Record.ID]; exists {
				continue
			}
			m.byID[entry.Record.ID] = len(m.records)
			m.records = append(m.records, *entry.Record)
		case entryAnchor:
			if entry.Anchor == nil {
				continue
			}
			if idx, ok := m.byID[entry.Anchor.ID]; ok {
				entry.Anchor.apply(&m.records[idx])
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析评估日志失败: %w", err)
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const evaluationColumns = `id, leaf_index, quest_id, agent_id, confidence, success, features_hash, leaf_hash,
        merkle_root, tree_size, hash_algorithm, anchor_status, anchor_txid, anchor_detail, created_at, updated_at`

// SQLRepository 基于 database/sql 的评估记录仓库，MySQL 与 SQLite 共用。
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository 包装一个已完成迁移的数据库连接。
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// DB 返回底层连接。
func (s *SQLRepository) DB() *sql.DB {
	return s.db
}

// Append 插入一条评估记录。
func (s *SQLRepository) Append(ctx context.Context, record EvaluationRecord) error {
	if record.UpdatedAt == 0 {
		record.UpdatedAt = record.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO evaluations (`+evaluationColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.LeafIndex,
		record.QuestID,
		record.AgentID,
		record.Confidence,
		record.Success,
		record.FeaturesHash,
		record.LeafHash,
		record.MerkleRoot,
		record.TreeSize,
		record.HashAlgorithm,
		record.AnchorStatus,
		record.AnchorTxID,
		record.AnchorDetail,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicate
		}
		return storageFailure(err, "写入评估记录失败")
	}
	return nil
}

// Get 根据 ID 查询评估记录。
func (s *SQLRepository) Get(ctx context.Context, id string) (*EvaluationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageFailure(err, "查询评估记录失败")
	}
	return record, nil
}

// ListLeaves 按 leaf_index 升序返回全部记录。
func (s *SQLRepository) ListLeaves(ctx context.Context) ([]EvaluationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations ORDER BY leaf_index ASC, created_at ASC`)
	if err != nil {
		return nil, storageFailure(err, "查询评估叶子失败")
	}
	return collectRecords(rows)
}

// ListLatest 返回最近写入的记录。
func (s *SQLRepository) ListLatest(ctx context.Context, limit int) ([]EvaluationRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations ORDER BY created_at DESC, leaf_index DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageFailure(err, "查询最近评估失败")
	}
	return collectRecords(rows)
}

// RecordAnchor 更新锚定状态。
func (s *SQLRepository) RecordAnchor(ctx context.Context, id, status, txID, detail string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE evaluations SET anchor_status = ?, anchor_txid = ?, anchor_detail = ?, updated_at = ? WHERE id = ?`,
		status, txID, detail, time.Now().Unix(), id)
	if err != nil {
		return storageFailure(err, "更新锚定状态失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storageFailure(err, "读取更新结果失败")
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close 关闭底层连接。
func (s *SQLRepository) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*EvaluationRecord, error) {
	var (
		record EvaluationRecord
		txID   sql.NullString
		detail sql.NullString
	)
	if err := row.Scan(
		&record.ID,
		&record.LeafIndex,
		&record.QuestID,
		&record.AgentID,
		&record.Confidence,
		&record.Success,
		&record.FeaturesHash,
		&record.LeafHash,
		&record.MerkleRoot,
		&record.TreeSize,
		&record.HashAlgorithm,
		&record.AnchorStatus,
		&txID,
		&detail,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.AnchorTxID = txID.String
	record.AnchorDetail = detail.String
	return &record, nil
}

func collectRecords(rows *sql.Rows) ([]EvaluationRecord, error) {
	defer rows.Close()
	var records []EvaluationRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, storageFailure(err, "解析评估记录失败")
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailure(err, "遍历评估记录失败")
	}
	return records, nil
}

// isDuplicateKey 识别 MySQL 1062 与 SQLite 的唯一约束冲突。
func isDuplicateKey(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Error 1062") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

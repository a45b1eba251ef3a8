package listener

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"trades-relay/internal/store"
)

// headSize 为文件指纹覆盖的前缀字节数。
const headSize = 64

// Checkpoint 记录已处理偏移以及文件前缀指纹，重启后用于识别停机期间被替换的文件。
type Checkpoint struct {
	Offset int64
	// Head 为文件前 min(Offset, headSize) 字节的 sha256，空串表示未知
	Head string
}

func fingerprint(head []byte) string {
	sum := sha256.Sum256(head)
	return hex.EncodeToString(sum[:])
}

// OffsetStore 持久化每个文件的检查点。
type OffsetStore interface {
	Load(ctx context.Context, path string) (Checkpoint, bool, error)
	Save(ctx context.Context, path string, cp Checkpoint) error
}

// MemoryOffsets 为进程内实现。
type MemoryOffsets struct {
	mu      sync.Mutex
	offsets map[string]Checkpoint
}

func NewMemoryOffsets() *MemoryOffsets {
	return &MemoryOffsets{offsets: make(map[string]Checkpoint)}
}

func (m *MemoryOffsets) Load(_ context.Context, path string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.offsets[path]
	return cp, ok, nil
}

func (m *MemoryOffsets) Save(_ context.Context, path string, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets[path] = cp
	return nil
}

// SQLiteOffsets 将偏移写入 file_offsets 表。
type SQLiteOffsets struct {
	db *sql.DB
}

// NewSQLiteOffsets 初始化表结构。
func NewSQLiteOffsets(ctx context.Context, st *store.Store) (*SQLiteOffsets, error) {
	if st == nil {
		return nil, errors.New("listener: store 不能为空")
	}
	err := st.Migrate(ctx, `
CREATE TABLE IF NOT EXISTS file_offsets (
	path TEXT PRIMARY KEY,
	byte_offset INTEGER NOT NULL,
	head TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);`)
	if err != nil {
		return nil, fmt.Errorf("listener: %w", err)
	}
	return &SQLiteOffsets{db: st.DB()}, nil
}

func (s *SQLiteOffsets) Load(ctx context.Context, path string) (Checkpoint, bool, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `SELECT byte_offset, head FROM file_offsets WHERE path = ?`, path).
		Scan(&cp.Offset, &cp.Head)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("listener: 读取偏移失败: %w", err)
	}
	return cp, true, nil
}

func (s *SQLiteOffsets) Save(ctx context.Context, path string, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_offsets (path, byte_offset, head, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET byte_offset = excluded.byte_offset, head = excluded.head, updated_at = excluded.updated_at`,
		path, cp.Offset, cp.Head, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("listener: 保存偏移失败: %w", err)
	}
	return nil
}

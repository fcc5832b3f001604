package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"prdCollabServer/backend/internal/collab"
)

// DocumentStore 文档表的读写（checkpoint 的落点）。
// documents 表保存当前内容，document_snapshots 表按版本追加快照。
type DocumentStore struct{ db *sql.DB }

func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// 确保实现了协作引擎声明的接口
var _ collab.DocumentStore = (*DocumentStore)(nil)

func (s *DocumentStore) FetchDocument(ctx context.Context, docID string) (string, time.Time, error) {
	var content string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT content, updated_at FROM documents WHERE id = ?`,
		docID,
	).Scan(&content, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, collab.ErrDocumentNotFound
		}
		return "", time.Time{}, err
	}
	return content, updatedAt, nil
}

// SaveDocument 更新文档当前内容，并追加一条版本快照。
// 快照撞到重复键（同版本重复落库）直接当成功，1062 容忍。
func (s *DocumentStore) SaveDocument(ctx context.Context, docID string, version uint64, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET content = ?, version = ?, updated_at = NOW() WHERE id = ?`,
		content, version, docID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// 0 行也可能是内容没变，确认文档还在
		var one int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, docID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return collab.ErrDocumentNotFound
			}
			return err
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, version, content) VALUES (?, ?, ?)`,
		docID, version, content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// CanAccess 文档的访问判定：所有者、公开文档、或在共享表里
func (s *DocumentStore) CanAccess(ctx context.Context, docID string, userID uint64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM documents d
		 WHERE d.id = ?
		   AND (d.owner_id = ? OR d.is_public = 1
		        OR EXISTS (SELECT 1 FROM document_shares s WHERE s.document_id = d.id AND s.user_id = ?))`,
		docID, userID, userID,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *DocumentStore) CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error) {
	docID := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, owner_id, title, content, version) VALUES (?, ?, ?, '', 1)`,
		docID, ownerID, title,
	)
	if err != nil {
		return "", err
	}
	return docID, nil
}

func (s *DocumentStore) GetDocumentID(ctx context.Context, title string) (string, error) {
	var docID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE title = ?`,
		title,
	).Scan(&docID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", collab.ErrDocumentNotFound
	}
	return docID, err
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrCommentNotFound = errors.New("comment not found")

// Comment 章节内联评论。parent_id 自引用形成回复线程；
// resolved 只会从 false 翻成 true。评论不进会话内存，每次读都走库。
type Comment struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	DocumentID string    `gorm:"index;size:36" json:"documentId"`
	UserID     uint64    `json:"userId"`
	Section    string    `gorm:"size:128" json:"section"`
	Position   int       `json:"position"`
	Content    string    `gorm:"type:text" json:"content"`
	Resolved   bool      `json:"resolved"`
	ParentID   *string   `gorm:"size:36" json:"parentId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (Comment) TableName() string { return "document_comments" }

type CommentStore struct{ db *gorm.DB }

func NewCommentStore(db *gorm.DB) *CommentStore {
	return &CommentStore{db: db}
}

// ListByDocument 整个文档的评论线程，按创建时间排序
func (s *CommentStore) ListByDocument(ctx context.Context, docID string) ([]Comment, error) {
	var comments []Comment
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("created_at ASC").
		Find(&comments).Error
	if err != nil {
		return nil, err
	}
	return comments, nil
}

// Create 立即持久化（评论不做批量缓冲），回填 ID 与时间戳后返回整行
func (s *CommentStore) Create(ctx context.Context, c *Comment) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(c).Error
}

// Resolve 把 resolved 翻成 true（单向，不支持 reopen）
func (s *CommentStore) Resolve(ctx context.Context, commentID string) error {
	res := s.db.WithContext(ctx).
		Model(&Comment{}).
		Where("id = ?", commentID).
		Update("resolved", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 已 resolved 的重复请求 RowsAffected 也是 0，确认行存在
		var cnt int64
		if err := s.db.WithContext(ctx).Model(&Comment{}).Where("id = ?", commentID).Count(&cnt).Error; err != nil {
			return err
		}
		if cnt == 0 {
			return ErrCommentNotFound
		}
	}
	return nil
}

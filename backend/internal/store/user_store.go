package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
)

type User struct {
	ID           uint64
	Name         string
	Email        string
	AvatarURL    string
	PasswordHash []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

var ErrUserNotFound = errors.New("user not found")
var ErrEmailTaken = errors.New("email already taken")

type UserStore struct{ db *sql.DB }

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 3*time.Second)
}

// GetUser 按 ID 取用户展示信息（连接握手后解析身份用）
func (s *UserStore) GetUser(ctx context.Context, userID uint64) (*User, error) {
	var u User
	var avatar sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, avatar_url FROM users WHERE id = ?`,
		userID,
	).Scan(&u.ID, &u.Name, &u.Email, &avatar)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.AvatarURL = avatar.String
	return &u, nil
}

func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	var avatar sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, avatar_url, password_hash FROM users WHERE email = ?`,
		email,
	).Scan(&u.ID, &u.Name, &u.Email, &avatar, &u.PasswordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.AvatarURL = avatar.String
	return &u, nil
}

func (s *UserStore) CreateUser(ctx context.Context, name, email string, passwordHash []byte) (uint64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, email, password_hash) VALUES (?, ?, ?)`,
		name, email, passwordHash,
	)
	if err != nil {
		// 1062 = duplicate key
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return 0, ErrEmailTaken
		}
		return 0, err
	}
	id, _ := res.LastInsertId()
	return uint64(id), nil
}

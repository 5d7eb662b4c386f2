package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

var ErrUserNotFound = errors.New("user not found")

type Repo interface {
	CreateUser(ctx context.Context, user User) (int, error)
	GetUser(ctx context.Context, id int) (User, error)
	GetUserByUid(ctx context.Context, uid string) (User, error)
	UpdateUser(ctx context.Context, id int, user User) (User, error)
}

type RepoImpl struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *RepoImpl {
	return &RepoImpl{db: db}
}

func (r *RepoImpl) CreateUser(ctx context.Context, user User) (int, error) {
	query := `INSERT INTO users (uid, display_name, email, timezone, default_calendar_id)
			  VALUES (?, ?, ?, ?, ?) RETURNING id`

	var id int
	err := r.db.QueryRowContext(ctx, query,
		user.Uid, user.DisplayName, user.Email, user.Settings.Timezone, user.Settings.DefaultCalendarId,
	).Scan(&id)
	if err != nil {
		err := fmt.Errorf("could not execute query: %w", err)
		log.Error(err)
		return 0, err
	}
	return id, nil
}

func (r *RepoImpl) GetUser(ctx context.Context, id int) (User, error) {
	query := `SELECT id, uid, display_name, email, timezone, default_calendar_id FROM users WHERE id = ?`
	return r.scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *RepoImpl) GetUserByUid(ctx context.Context, uid string) (User, error) {
	query := `SELECT id, uid, display_name, email, timezone, default_calendar_id FROM users WHERE uid = ?`
	return r.scanUser(r.db.QueryRowContext(ctx, query, uid))
}

func (r *RepoImpl) scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.Id, &u.Uid, &u.DisplayName, &u.Email, &u.Settings.Timezone, &u.Settings.DefaultCalendarId)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	} else if err != nil {
		err := fmt.Errorf("could not scan user row: %w", err)
		log.Error(err)
		return User{}, err
	}
	return u, nil
}

func (r *RepoImpl) UpdateUser(ctx context.Context, id int, user User) (User, error) {
	query := `UPDATE users SET display_name = ?, email = ?, timezone = ?, default_calendar_id = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query,
		user.DisplayName, user.Email, user.Settings.Timezone, user.Settings.DefaultCalendarId, id,
	)
	if err != nil {
		err := fmt.Errorf("could not execute query: %w", err)
		log.Error(err)
		return User{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return User{}, err
	}
	if affected == 0 {
		return User{}, ErrUserNotFound
	}
	user.Id = id
	return user, nil
}

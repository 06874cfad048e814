package pgrepos

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/user"
)

const userColumns = `id, full_name, email, role, is_active, password_hash, created_at, updated_at, last_login`

var userOrderFields = map[string]string{
	"full_name":  "full_name",
	"email":      "email",
	"role":       "role",
	"is_active":  "is_active",
	"created_at": "created_at",
	"last_login": "last_login",
}

type userRow struct {
	ID           string    `db:"id"`
	FullName     string    `db:"full_name"`
	Email        string    `db:"email"`
	Role         string    `db:"role"`
	IsActive     bool      `db:"is_active"`
	PasswordHash []byte    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
	LastLogin    null.Time `db:"last_login"`
}

func toUserRow(usr user.User) userRow {
	return userRow{
		ID:           usr.ID,
		FullName:     usr.FullName,
		Email:        usr.Email,
		Role:         string(usr.Role),
		IsActive:     usr.IsActive,
		PasswordHash: usr.PasswordHash,
		CreatedAt:    usr.CreatedAt.UTC(),
		UpdatedAt:    usr.UpdatedAt.UTC(),
		LastLogin:    null.NewTime(usr.LastLogin.UTC(), !usr.LastLogin.IsZero()),
	}
}

func (r userRow) user() user.User {
	return user.User{
		ID:           r.ID,
		FullName:     r.FullName,
		Email:        r.Email,
		Role:         user.Role(r.Role),
		IsActive:     r.IsActive,
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		LastLogin:    r.LastLogin.Time.UTC(),
	}
}

type userRepository struct {
	exec core.DBExecutor
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *sqlx.DB) user.Repository {
	return &userRepository{exec: db}
}

func (repo *userRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 && svcExec[0] != nil {
		return svcExec[0]
	}
	return repo.exec
}

func (repo *userRepository) CheckEmailUniqueness(ctx context.Context, email string, excludedUsers []user.User, exec ...core.DBExecutor) error {
	q := `SELECT EXISTS (SELECT 1 FROM users WHERE email = ?`
	args := []interface{}{email}
	if len(excludedUsers) > 0 {
		ids := make([]string, 0, len(excludedUsers))
		for _, u := range excludedUsers {
			ids = append(ids, u.ID)
		}
		q += ` AND id NOT IN (?)`
		args = append(args, ids)
	}
	q += `)`

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return errors.Wrap(err, "building uniqueness query")
	}
	ex := repo.getExec(exec)

	var exists bool
	if err = sqlx.GetContext(ctx, ex, &exists, ex.Rebind(q), args...); err != nil {
		return errors.Wrap(err, "checking email uniqueness")
	}
	if exists {
		return user.ErrEmailExists
	}
	return nil
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	row := toUserRow(usr)
	row.ID = uuid.New().String()

	q := `INSERT INTO users (` + userColumns + `)
		VALUES (:id, :full_name, :email, :role, :is_active, :password_hash, :created_at, :updated_at, :last_login)`
	if _, err := sqlx.NamedExecContext(ctx, repo.getExec(exec), q, row); err != nil {
		if isUniqueViolation(err) {
			return user.User{}, user.ErrEmailExists
		}
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return row.user(), nil
}

func (repo *userRepository) GetUser(ctx context.Context, filter user.GetFilter, exec ...core.DBExecutor) (user.User, error) {
	var (
		where string
		arg   string
	)
	switch {
	case filter.ID != "":
		if _, err := uuid.Parse(filter.ID); err != nil {
			return user.User{}, user.ErrNotFound
		}
		where, arg = "id = $1", filter.ID
	case filter.Email != "":
		where, arg = "email = $1", filter.Email
	default:
		return user.User{}, user.ErrNotFound
	}

	var row userRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	if err != nil {
		return user.User{}, trapNoRowsErr(err, user.ErrNotFound, "getting user")
	}
	return row.user(), nil
}

func (repo *userRepository) GetUsersByID(ctx context.Context, ids []string, exec ...core.DBExecutor) ([]user.User, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return []user.User{}, nil
	}

	q, args, err := sqlx.In(`SELECT `+userColumns+` FROM users WHERE id IN (?)`, valid)
	if err != nil {
		return nil, errors.Wrap(err, "building users query")
	}
	ex := repo.getExec(exec)

	var rows []userRow
	if err = sqlx.SelectContext(ctx, ex, &rows, ex.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "getting users")
	}
	return toUsers(rows), nil
}

func toUsers(rows []userRow) []user.User {
	users := make([]user.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.user())
	}
	return users
}

func (repo *userRepository) QueryUsers(ctx context.Context, filter user.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]user.User, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Search != "" {
		conds = append(conds, `(full_name ILIKE ? OR email ILIKE ?)`)
		like := "%" + filter.Search + "%"
		args = append(args, like, like)
	}
	if len(filter.Roles) > 0 {
		roles := make([]string, 0, len(filter.Roles))
		for _, r := range filter.Roles {
			roles = append(roles, strings.ToUpper(r))
		}
		conds = append(conds, `role IN (?)`)
		args = append(args, roles)
	}
	if filter.IsActive != nil {
		conds = append(conds, `is_active = ?`)
		args = append(args, *filter.IsActive)
	}

	q := `SELECT ` + userColumns + ` FROM users`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += orderBy(ordering, userOrderFields, "created_at DESC")

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "building users query")
	}
	ex := repo.getExec(exec)

	var rows []userRow
	if err = sqlx.SelectContext(ctx, ex, &rows, ex.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "querying users")
	}
	return toUsers(rows), nil
}

func (repo *userRepository) UpdateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	row := toUserRow(usr)
	q := `UPDATE users SET full_name = :full_name, email = :email, role = :role, is_active = :is_active,
		password_hash = :password_hash, updated_at = :updated_at, last_login = :last_login
		WHERE id = :id`
	res, err := sqlx.NamedExecContext(ctx, repo.getExec(exec), q, row)
	if err != nil {
		if isUniqueViolation(err) {
			return user.User{}, user.ErrEmailExists
		}
		return user.User{}, errors.Wrap(err, "updating user")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return user.User{}, user.ErrNotFound
	}
	return row.user(), nil
}

// DeleteUsersByID relies on the foreign keys: acknowledgements cascade, documents keep a NULL creator.
func (repo *userRepository) DeleteUsersByID(ctx context.Context, ids []string, exec ...core.DBExecutor) (int64, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return 0, nil
	}

	q, args, err := sqlx.In(`DELETE FROM users WHERE id IN (?)`, valid)
	if err != nil {
		return 0, errors.Wrap(err, "building delete query")
	}
	ex := repo.getExec(exec)

	res, err := ex.ExecContext(ctx, ex.Rebind(q), args...)
	if err != nil {
		return 0, errors.Wrap(err, "deleting users")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "counting deleted users")
}

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/benchwarmers/marketplace/internal/apperr"
	"github.com/benchwarmers/marketplace/internal/authz"
	"github.com/benchwarmers/marketplace/internal/database"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// CreateUser inserts a new user and returns it with its generated id.
func (r *Repository) CreateUser(ctx context.Context, u User) (User, error) {
	err := database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		return insertUser(ctx, tx, &u)
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// CreateFounder inserts the company and its first company_admin together.
func (r *Repository) CreateFounder(ctx context.Context, c NewCompany, u User) (User, error) {
	err := database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		var companyID uuid.UUID
		if err := tx.QueryRow(ctx, `
			INSERT INTO companies (name, kind) VALUES ($1, $2) RETURNING id
		`, c.Name, c.Kind).Scan(&companyID); err != nil {
			return apperr.Upstream("auth: create company", err)
		}
		u.CompanyID = &companyID
		return insertUser(ctx, tx, &u)
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func insertUser(ctx context.Context, tx pgx.Tx, u *User) error {
	row := tx.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, display_name, role, company_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, u.Email, u.PasswordHash, u.DisplayName, string(u.Role), u.CompanyID)
	if err := row.Scan(&u.ID, &u.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEmail
		}
		return apperr.Upstream("auth: create user", err)
	}
	return nil
}

// AssignCompany never moves a user out of another company and never
// touches platform admins.
func (r *Repository) AssignCompany(ctx context.Context, email string, companyID uuid.UUID, role authz.Role) (User, error) {
	var u User
	var roleName string
	err := r.pool.QueryRow(ctx, `
		UPDATE users SET company_id = $2, role = $3
		WHERE email = $1 AND role <> 'admin' AND (company_id IS NULL OR company_id = $2)
		RETURNING id, email, display_name, role, company_id, created_at
	`, email, companyID, string(role)).Scan(&u.ID, &u.Email, &u.DisplayName, &roleName, &u.CompanyID, &u.CreatedAt)
	if err == nil {
		u.Role = roleOf(roleName)
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.Upstream("auth: assign company", err)
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`, email).Scan(&exists); err != nil {
		return User{}, apperr.Upstream("auth: assign company", err)
	}
	if !exists {
		return User{}, ErrUserNotFound
	}
	return User{}, ErrOtherCompany
}

// GetByEmail returns the user with its password hash for login.
func (r *Repository) GetByEmail(ctx context.Context, email string) (User, error) {
	var u User
	var role string
	row := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash, role, company_id, created_at
		FROM users WHERE email = $1
	`, email)
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &role, &u.CompanyID, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, apperr.Upstream("auth: get user", fmt.Errorf("select by email: %w", err))
	}
	u.Role = roleOf(role)
	return u, nil
}

func roleOf(s string) authz.Role {
	r := authz.Role(s)
	if !r.Valid() {
		return authz.RoleMember
	}
	return r
}

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"portaljobs/internal/domain"
)

// CreateUser inserts a portal user. Users are owned by the portal; the jobs
// only read them, so this exists for seeding and tests.
func (s *Store) CreateUser(ctx context.Context, u domain.User) (string, error) {
	id := u.ID
	if id == "" {
		id = "usr_" + uuid.NewString()
	}
	role := u.Role
	if role == "" {
		role = domain.RoleEmployee
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, name, email, phone, role, active) VALUES (?,?,?,?,?,?)`,
		id, u.Name, u.Email, u.Phone, role, boolInt(u.Active))
	return id, err
}

func (s *Store) CreateEmployee(ctx context.Context, userID string, monthlySalary decimal.Decimal, active bool) (string, error) {
	id := "emp_" + uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO employees (id, user_id, monthly_salary, active) VALUES (?,?,?,?)`,
		id, userID, monthlySalary.String(), boolInt(active))
	return id, err
}

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, email, phone, role, active FROM users WHERE id=?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	return u, err
}

// UserForEmployee resolves the user account that owns an employee record.
func (s *Store) UserForEmployee(ctx context.Context, employeeID string) (domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT u.id, u.name, u.email, u.phone, u.role, u.active
FROM employees e JOIN users u ON u.id = e.user_id
WHERE e.id=?`, employeeID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	return u, err
}

// ActiveAdmins lists the operator accounts that receive the daily digest.
func (s *Store) ActiveAdmins(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, email, phone, role, active FROM users
WHERE role='admin' AND active=1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(sc scanner) (domain.User, error) {
	var u domain.User
	var active int
	if err := sc.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.Role, &active); err != nil {
		return domain.User{}, err
	}
	u.Active = active == 1
	return u, nil
}

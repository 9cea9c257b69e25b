package repo

import (
	"context"
	"database/sql"
	"time"

	"civicflow/internal/domain"
)

// Directory tables back the default user, team and department lookups.

func (r Repo) InsertDepartment(ctx context.Context, tx *sql.Tx, name string, now time.Time) (int64, error) {
	return r.insert(ctx, tx, `INSERT INTO departments(name, created_at) VALUES (?,?)`, name, r.Dialect.Time(now))
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, name string, departmentID *int64, now time.Time) (int64, error) {
	return r.insert(ctx, tx, `INSERT INTO users(name, department_id, created_at) VALUES (?,?,?)`,
		name, nullableInt64Ptr(departmentID), r.Dialect.Time(now))
}

func (r Repo) GrantRole(ctx context.Context, tx *sql.Tx, userID int64, role domain.Role) error {
	_, err := r.exec(ctx, tx, `INSERT INTO user_roles(user_id, role) VALUES (?,?) ON CONFLICT DO NOTHING`, userID, string(role))
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, userID int64, role domain.Role) error {
	_, err := r.exec(ctx, tx, `DELETE FROM user_roles WHERE user_id=? AND role=?`, userID, string(role))
	return err
}

func (r Repo) InsertTeam(ctx context.Context, tx *sql.Tx, name string, departmentID int64, now time.Time) (int64, error) {
	return r.insert(ctx, tx, `INSERT INTO teams(name, department_id, created_at) VALUES (?,?,?)`, name, departmentID, r.Dialect.Time(now))
}

func (r Repo) AddTeamMember(ctx context.Context, tx *sql.Tx, teamID, userID int64) error {
	_, err := r.exec(ctx, tx, `INSERT INTO team_members(team_id, user_id) VALUES (?,?) ON CONFLICT DO NOTHING`, teamID, userID)
	return err
}

// GetActor loads a user's roles, department and team memberships.
func (r Repo) GetActor(ctx context.Context, userID int64) (domain.Actor, error) {
	actor := domain.Actor{UserID: userID}
	var dept sql.NullInt64
	err := r.queryRow(ctx, nil, `SELECT department_id FROM users WHERE id=?`, userID).Scan(&dept)
	if err == sql.ErrNoRows {
		return actor, ErrNotFound
	}
	if err != nil {
		return actor, err
	}
	if dept.Valid {
		d := dept.Int64
		actor.DepartmentID = &d
	}
	roles, err := r.userRoles(ctx, userID)
	if err != nil {
		return actor, err
	}
	actor.Roles = roles
	teams, err := r.userTeams(ctx, userID)
	if err != nil {
		return actor, err
	}
	actor.TeamIDs = teams
	return actor, nil
}

func (r Repo) userRoles(ctx context.Context, userID int64) ([]domain.Role, error) {
	rows, err := r.query(ctx, nil, `SELECT role FROM user_roles WHERE user_id=? ORDER BY role`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []domain.Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, domain.Role(role))
	}
	return roles, rows.Err()
}

func (r Repo) userTeams(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.query(ctx, nil, `SELECT team_id FROM team_members WHERE user_id=? ORDER BY team_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) UserExists(ctx context.Context, userID int64) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM users WHERE id=?`, userID)
}

func (r Repo) TeamExists(ctx context.Context, teamID int64) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM teams WHERE id=?`, teamID)
}

func (r Repo) DepartmentExists(ctx context.Context, departmentID int64) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM departments WHERE id=?`, departmentID)
}

func (r Repo) IsTeamMember(ctx context.Context, userID, teamID int64) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM team_members WHERE user_id=? AND team_id=?`, userID, teamID)
}

func (r Repo) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := r.queryRow(ctx, nil, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type Department struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (r Repo) ListDepartments(ctx context.Context) ([]Department, error) {
	rows, err := r.query(ctx, nil, `SELECT id, name FROM departments ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Department
	for rows.Next() {
		var d Department
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

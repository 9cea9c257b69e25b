package directory

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"civicflow/internal/domain"
	"civicflow/internal/repo"
)

// Seed describes departments, teams and users to load into the directory tables.
//
//	departments:
//	  - name: Roads
//	    teams:
//	      - name: Pothole crew
//	        members: [alice]
//	users:
//	  - name: alice
//	    department: Roads
//	    roles: [TEAM_MEMBER]
type Seed struct {
	Departments []SeedDepartment `yaml:"departments"`
	Users       []SeedUser       `yaml:"users"`
}

type SeedDepartment struct {
	Name  string     `yaml:"name"`
	Teams []SeedTeam `yaml:"teams"`
}

type SeedTeam struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

type SeedUser struct {
	Name       string        `yaml:"name"`
	Department string        `yaml:"department"`
	Roles      []domain.Role `yaml:"roles"`
}

// Seeded maps seed names to the ids they were stored under.
type Seeded struct {
	Departments map[string]int64 `json:"departments"`
	Teams       map[string]int64 `json:"teams"`
	Users       map[string]int64 `json:"users"`
}

func LoadSeed(path string) (Seed, error) {
	var s Seed
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("invalid seed yaml: %w", err)
	}
	return s, nil
}

func (s Seed) validate() error {
	depts := map[string]bool{}
	for _, d := range s.Departments {
		if d.Name == "" {
			return fmt.Errorf("seed: department name required")
		}
		depts[d.Name] = true
	}
	users := map[string]bool{}
	for _, u := range s.Users {
		if u.Name == "" {
			return fmt.Errorf("seed: user name required")
		}
		if users[u.Name] {
			return fmt.Errorf("seed: duplicate user %q", u.Name)
		}
		users[u.Name] = true
		if u.Department != "" && !depts[u.Department] {
			return fmt.Errorf("seed: user %q references unknown department %q", u.Name, u.Department)
		}
		for _, r := range u.Roles {
			if !r.Valid() {
				return fmt.Errorf("seed: user %q has unknown role %q", u.Name, r)
			}
		}
	}
	for _, d := range s.Departments {
		for _, t := range d.Teams {
			for _, m := range t.Members {
				if !users[m] {
					return fmt.Errorf("seed: team %q references unknown user %q", t.Name, m)
				}
			}
		}
	}
	return nil
}

// Apply stores the seed in one transaction.
func Apply(ctx context.Context, r repo.Repo, s Seed, now time.Time) (Seeded, error) {
	out := Seeded{Departments: map[string]int64{}, Teams: map[string]int64{}, Users: map[string]int64{}}
	if err := s.validate(); err != nil {
		return out, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	for _, d := range s.Departments {
		id, err := r.InsertDepartment(ctx, tx, d.Name, now)
		if err != nil {
			return out, fmt.Errorf("department %s: %w", d.Name, err)
		}
		out.Departments[d.Name] = id
	}
	for _, u := range s.Users {
		var dept *int64
		if u.Department != "" {
			id := out.Departments[u.Department]
			dept = &id
		}
		id, err := r.InsertUser(ctx, tx, u.Name, dept, now)
		if err != nil {
			return out, fmt.Errorf("user %s: %w", u.Name, err)
		}
		for _, role := range u.Roles {
			if err := r.GrantRole(ctx, tx, id, role); err != nil {
				return out, err
			}
		}
		out.Users[u.Name] = id
	}
	for _, d := range s.Departments {
		for _, t := range d.Teams {
			id, err := r.InsertTeam(ctx, tx, t.Name, out.Departments[d.Name], now)
			if err != nil {
				return out, fmt.Errorf("team %s: %w", t.Name, err)
			}
			out.Teams[t.Name] = id
			for _, m := range t.Members {
				if err := r.AddTeamMember(ctx, tx, id, out.Users[m]); err != nil {
					return out, err
				}
			}
		}
	}
	return out, tx.Commit()
}

package types

import (
	"errors"
	"strings"
)

// ChunkKind represents the kind of semantic unit a chunk was cut from
type ChunkKind string

const (
	KindFunction ChunkKind = "function"
	KindClass    ChunkKind = "class"
	KindMethod   ChunkKind = "method"
	KindModule   ChunkKind = "module"
)

// Role is a naming-convention tag attached to a unit (repository, entity, handler...)
type Role string

const (
	RoleAggregate   Role = "aggregate"
	RoleEntity      Role = "entity"
	RoleValueObject Role = "value_object"
	RoleRepository  Role = "repository"
	RoleService     Role = "service"
	RoleCommand     Role = "command"
	RoleQuery       Role = "query"
	RoleHandler     Role = "handler"
	RoleModel       Role = "model"
)

// Unit is a named semantic unit of source code extracted from one file.
// Line numbers are 1-based and inclusive.
type Unit struct {
	Name         string
	Kind         ChunkKind
	Content      string
	StartLine    int
	EndLine      int
	Docstring    string
	Dependencies []string
	Parameters   []string
	ReturnType   string
	Parent       string
	Roles        []Role
}

// Validate checks the unit carries content and a sane line range
func (u *Unit) Validate() error {
	if strings.TrimSpace(u.Name) == "" {
		return errors.New("unit name cannot be empty")
	}
	if u.Content == "" {
		return ErrEmptyContent
	}
	if u.StartLine <= 0 || u.EndLine <= 0 {
		return errors.New("line numbers must be positive")
	}
	if u.StartLine > u.EndLine {
		return errors.New("start line must be before or equal to end line")
	}
	return nil
}

// HasRole reports whether r was tagged on the unit
func (u *Unit) HasRole(r Role) bool {
	for _, have := range u.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// Lines returns the number of source lines the unit spans
func (u *Unit) Lines() int {
	if u.EndLine < u.StartLine {
		return 0
	}
	return u.EndLine - u.StartLine + 1
}

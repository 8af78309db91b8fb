package extractor

import (
	"strings"

	"github.com/dshills/codeatlas/pkg/types"
)

// detectRoles tags a type-like unit by naming convention
func detectRoles(name string) []types.Role {
	var roles []types.Role
	add := func(r types.Role) {
		for _, have := range roles {
			if have == r {
				return
			}
		}
		roles = append(roles, r)
	}

	switch {
	case strings.HasSuffix(name, "Aggregate"), strings.HasSuffix(name, "AggregateRoot"):
		add(types.RoleAggregate)
		add(types.RoleEntity) // Aggregates are also entities
	case strings.HasSuffix(name, "Entity"):
		add(types.RoleEntity)
	}
	if strings.HasSuffix(name, "VO") || strings.HasSuffix(name, "ValueObject") {
		add(types.RoleValueObject)
	}
	if strings.HasSuffix(name, "Repository") || strings.HasSuffix(name, "Repo") {
		add(types.RoleRepository)
	}
	if strings.HasSuffix(name, "Service") {
		add(types.RoleService)
	}
	if strings.HasSuffix(name, "Command") || strings.HasSuffix(name, "Cmd") {
		add(types.RoleCommand)
	}
	if strings.HasSuffix(name, "Query") {
		add(types.RoleQuery)
	}
	if strings.HasSuffix(name, "Handler") || strings.HasSuffix(name, "Controller") {
		add(types.RoleHandler)
	}
	if strings.HasSuffix(name, "Model") || strings.HasSuffix(name, "Schema") {
		add(types.RoleModel)
	}
	return roles
}

// isEntityLike reports whether a struct's field names suggest a persisted record
func isEntityLike(fields []string) bool {
	for _, field := range fields {
		lower := strings.ToLower(field)
		if lower == "id" || strings.HasSuffix(lower, "id") {
			return true
		}
	}
	return false
}

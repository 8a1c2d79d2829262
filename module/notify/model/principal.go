package model

import (
	"slices"
	"time"
)

// Principal 已认证身份，连接建立后不可变
type Principal struct {
	ID       string    `json:"id"`
	Roles    []string  `json:"roles,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`
}

func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// HasAnyRole 任一命中即可
func (p Principal) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

func (p Principal) Valid() bool { return p.ID != "" }

package types

import "time"

// User is an authenticated caller. Authentication itself happens outside the
// core; the catalog only evaluates permissions.
type User struct {
	ID           uint      `db:"id"`
	Name         string    `db:"name"`
	UID          uint32    `db:"uid"`
	GID          uint32    `db:"gid"`
	IsSuperadmin bool      `db:"is_superadmin"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Permission names one grantable capability on a vault.
type Permission string

const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermManage Permission = "manage"
)

// Grant attaches a permission on a vault to a user.
type Grant struct {
	UserID     uint       `db:"user_id"`
	VaultID    uint       `db:"vault_id"`
	Permission Permission `db:"permission"`
}

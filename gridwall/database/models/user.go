package models

import (
	"time"

	"github.com/uptrace/bun"
)

type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID       string `bun:"id,pk" json:"id"`
	Username string `bun:"username,notnull,unique" json:"username"`
	Name     string `bun:"name,notnull" json:"name"`
	Bio      string `bun:"bio" json:"bio"`
	Website  string `bun:"website" json:"website"`

	// ProfileRef points at the profile image in object storage.
	ProfileRef string `bun:"profile_ref" json:"profile_ref"`

	// Cooldown is the earliest time a new reservation is allowed.
	Cooldown   *time.Time `bun:"cooldown,nullzero" json:"cooldown,omitempty"`
	LastUpload *time.Time `bun:"last_upload,nullzero" json:"last_upload,omitempty"`
	Streaks    int        `bun:"streaks,notnull,default:0" json:"streaks"`

	// Denormalized aggregates over slots currently owned by this user.
	TotalLikes int64 `bun:"total_likes,notnull,default:0" json:"total_likes"`
	TotalViews int64 `bun:"total_views,notnull,default:0" json:"total_views"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

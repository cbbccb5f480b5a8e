package models

import (
	"github.com/uptrace/bun"
)

// SlotLike records that a user has liked a slot exactly once. Presence is
// the whole payload; the pair is the primary key.
type SlotLike struct {
	bun.BaseModel `bun:"table:slot_likes,alias:sl"`

	SlotID string `bun:"slot_id,pk"`
	UserID string `bun:"user_id,pk"`
}

// SlotView records that a user has viewed a slot at least once. Used to
// deduplicate view counting.
type SlotView struct {
	bun.BaseModel `bun:"table:slot_views,alias:sv"`

	SlotID string `bun:"slot_id,pk"`
	UserID string `bun:"user_id,pk"`
}

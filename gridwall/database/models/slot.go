package models

import (
	"time"

	"github.com/uptrace/bun"
)

type SlotStatus string

const (
	SlotStatusAvailable  SlotStatus = "available"
	SlotStatusProcessing SlotStatus = "processing"
	SlotStatusBooked     SlotStatus = "booked"
)

// Slot is one cell of the shared wall. The ID is its grid coordinate
// (e.g. "0_0") and is assigned at provisioning time; slots are reused,
// never deleted.
type Slot struct {
	bun.BaseModel `bun:"table:slots,alias:s"`

	ID         string     `bun:"id,pk" json:"id"`
	Status     SlotStatus `bun:"status,notnull,default:'available'" json:"status"`
	BookedBy   string     `bun:"booked_by" json:"booked_by"`
	ContentRef string     `bun:"content_ref,notnull,default:''" json:"content_ref"`
	ExpiresAt  *time.Time `bun:"expires_at,nullzero" json:"expires_at,omitempty"`
	Likes      int64      `bun:"likes,notnull,default:0" json:"likes"`
	Views      int64      `bun:"views,notnull,default:0" json:"views"`
	UpdatedAt  time.Time  `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// Available reports whether the slot is in the fully reset invariant state.
func (s *Slot) Available() bool {
	return s.Status == SlotStatusAvailable &&
		s.BookedBy == "" &&
		s.ContentRef == "" &&
		s.ExpiresAt == nil &&
		s.Likes == 0 &&
		s.Views == 0
}

// Package migration imports legacy wall data from MongoDB into Postgres.
// The old deployment kept users and slots as loose documents; this brings
// them over once, normalizing into the relational schema.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pixelgrid/gridwall/gridwall/database"
	"github.com/pixelgrid/gridwall/gridwall/database/models"
)

type Config struct {
	MongoURI string
	MongoDB  string
}

// batchSize bounds how many documents go into one insert.
const batchSize = 500

type Migrator struct {
	client *mongo.Client
	source *mongo.Database
	db     *database.DB
}

type legacyUser struct {
	ID         string     `bson:"_id"`
	Username   string     `bson:"username"`
	Name       string     `bson:"name"`
	Bio        string     `bson:"bio"`
	Website    string     `bson:"website"`
	ProfileURL string     `bson:"profile_url"`
	Streaks    int        `bson:"streaks"`
	LastUpload *time.Time `bson:"last_upload"`
	TotalLikes int64      `bson:"total_likes"`
	TotalViews int64      `bson:"total_views"`
}

type legacySlot struct {
	ID        string     `bson:"_id"`
	Status    string     `bson:"status"`
	BookedBy  string     `bson:"booked_by"`
	ImageURL  string     `bson:"image_url"`
	ExpiresAt *time.Time `bson:"expires_at"`
	Likes     int64      `bson:"likes"`
	Views     int64      `bson:"views"`
}

func New(ctx context.Context, cfg Config, db *database.DB) (*Migrator, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo unreachable: %w", err)
	}

	return &Migrator{
		client: client,
		source: client.Database(cfg.MongoDB),
		db:     db,
	}, nil
}

func (m *Migrator) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Run imports users first so slot ownership references resolve.
func (m *Migrator) Run(ctx context.Context) error {
	start := time.Now()

	usersCount, err := m.migrateUsers(ctx)
	if err != nil {
		return fmt.Errorf("user migration failed: %w", err)
	}

	slotsCount, err := m.migrateSlots(ctx)
	if err != nil {
		return fmt.Errorf("slot migration failed: %w", err)
	}

	slog.Info("Migration complete",
		slog.String("type", "db"),
		slog.Int("users", usersCount),
		slog.Int("slots", slotsCount),
		slog.Duration("took", time.Since(start)))
	return nil
}

func (m *Migrator) migrateUsers(ctx context.Context) (int, error) {
	cursor, err := m.source.Collection("users").Find(ctx, bson.M{})
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	now := time.Now().UTC()
	count := 0
	batch := make([]*models.User, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := m.db.BunDB().NewInsert().
			Model(&batch).
			On("CONFLICT (id) DO NOTHING").
			Exec(ctx); err != nil {
			return err
		}
		count += len(batch)
		batch = batch[:0]
		slog.Info("User migration progress",
			slog.String("type", "db"),
			slog.Int("migrated", count))
		return nil
	}

	for cursor.Next(ctx) {
		var legacy legacyUser
		if err := cursor.Decode(&legacy); err != nil {
			slog.Warn("Skipping undecodable user",
				slog.String("type", "db"),
				slog.Any("error", err))
			continue
		}

		batch = append(batch, &models.User{
			ID:         legacy.ID,
			Username:   legacy.Username,
			Name:       legacy.Name,
			Bio:        legacy.Bio,
			Website:    legacy.Website,
			ProfileRef: legacy.ProfileURL,
			Streaks:    legacy.Streaks,
			LastUpload: legacy.LastUpload,
			TotalLikes: legacy.TotalLikes,
			TotalViews: legacy.TotalViews,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return count, err
			}
		}
	}
	if err := flush(); err != nil {
		return count, err
	}
	return count, cursor.Err()
}

func (m *Migrator) migrateSlots(ctx context.Context) (int, error) {
	cursor, err := m.source.Collection("slots").Find(ctx, bson.M{})
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	now := time.Now().UTC()
	count := 0
	batch := make([]*models.Slot, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := m.db.BunDB().NewInsert().
			Model(&batch).
			On("CONFLICT (id) DO UPDATE").
			Set("status = EXCLUDED.status").
			Set("booked_by = EXCLUDED.booked_by").
			Set("content_ref = EXCLUDED.content_ref").
			Set("expires_at = EXCLUDED.expires_at").
			Set("likes = EXCLUDED.likes").
			Set("views = EXCLUDED.views").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx); err != nil {
			return err
		}
		count += len(batch)
		batch = batch[:0]
		return nil
	}

	for cursor.Next(ctx) {
		var legacy legacySlot
		if err := cursor.Decode(&legacy); err != nil {
			slog.Warn("Skipping undecodable slot",
				slog.String("type", "db"),
				slog.Any("error", err))
			continue
		}

		batch = append(batch, normalizeSlot(legacy, now))
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return count, err
			}
		}
	}
	if err := flush(); err != nil {
		return count, err
	}
	return count, cursor.Err()
}

// normalizeSlot maps a legacy document onto the state machine. Anything
// that doesn't form a coherent occupancy comes over as a clean available
// slot rather than importing a half-broken state.
func normalizeSlot(legacy legacySlot, now time.Time) *models.Slot {
	slot := &models.Slot{
		ID:        legacy.ID,
		Status:    models.SlotStatusAvailable,
		UpdatedAt: now,
	}

	switch models.SlotStatus(legacy.Status) {
	case models.SlotStatusBooked:
		if legacy.BookedBy != "" && legacy.ImageURL != "" && legacy.ExpiresAt != nil {
			slot.Status = models.SlotStatusBooked
			slot.BookedBy = legacy.BookedBy
			slot.ContentRef = legacy.ImageURL
			slot.ExpiresAt = legacy.ExpiresAt
			slot.Likes = legacy.Likes
			slot.Views = legacy.Views
		}
	case models.SlotStatusProcessing:
		if legacy.BookedBy != "" && legacy.ExpiresAt != nil {
			slot.Status = models.SlotStatusProcessing
			slot.BookedBy = legacy.BookedBy
			slot.ExpiresAt = legacy.ExpiresAt
		}
	}
	return slot
}

// Package server exposes the wall over HTTP.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/pixelgrid/gridwall/gridwall/database/repositories"
	"github.com/pixelgrid/gridwall/gridwall/engagement"
	"github.com/pixelgrid/gridwall/gridwall/live"
	"github.com/pixelgrid/gridwall/gridwall/reaper"
	"github.com/pixelgrid/gridwall/gridwall/reservation"
	"github.com/pixelgrid/gridwall/gridwall/services"
	"github.com/pixelgrid/gridwall/gridwall/users"
)

type Server struct {
	app        *fiber.App
	manager    *reservation.Manager
	ledger     *engagement.Ledger
	accounts   *users.Service
	aggregator *live.Aggregator
	reaper     *reaper.Reaper
	blobs      services.BlobStore
}

func New(
	manager *reservation.Manager,
	ledger *engagement.Ledger,
	accounts *users.Service,
	aggregator *live.Aggregator,
	rp *reaper.Reaper,
	blobs services.BlobStore,
) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "Gridwall",
		ErrorHandler: errorHandler,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(compress.New())

	s := &Server{
		app:        app,
		manager:    manager,
		ledger:     ledger,
		accounts:   accounts,
		aggregator: aggregator,
		reaper:     rp,
		blobs:      blobs,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := s.app.Group("/api")

	api.Post("/users", s.createUser)
	api.Get("/users/:id", s.getUser)
	api.Patch("/users/:id", s.editUser)
	api.Post("/users/:id/avatar", s.setAvatar)
	api.Delete("/users/:id", s.deleteUser)

	api.Post("/slots/:id/reserve", s.reserveSlot)
	api.Post("/slots/:id/content", s.commitContent)
	api.Post("/slots/:id/like", s.likeSlot)
	api.Delete("/slots/:id/like", s.unlikeSlot)
	api.Get("/slots/:id/like", s.hasLiked)
	api.Post("/slots/:id/view", s.viewSlot)

	api.Get("/wall", s.getWall)
	api.Get("/wall/stream", s.streamWall)

	api.Post("/admin/reap", s.runReap)
}

func (s *Server) Listen(addr string) error {
	slog.Info("HTTP server listening",
		slog.String("type", "http"),
		slog.String("addr", addr))
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(c *fiber.Ctx, err error) error {
	status := statusFor(err)

	if status >= fiber.StatusInternalServerError {
		slog.Error("Request failed",
			slog.String("type", "http"),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Any("error", err))
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(fiber.Map{"error": fiberErr.Message})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case repositories.IsValidationError(err):
		return fiber.StatusBadRequest
	case repositories.IsNotFoundError(err):
		return fiber.StatusNotFound
	case repositories.IsConflictError(err):
		return fiber.StatusConflict
	case repositories.IsExternalServiceError(err):
		return fiber.StatusBadGateway
	case repositories.IsTransactionAbortError(err):
		return fiber.StatusServiceUnavailable
	default:
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}
}

type userIDBody struct {
	UserID string `json:"user_id"`
}

func parseUserID(c *fiber.Ctx) (string, error) {
	var body userIDBody
	if err := c.BodyParser(&body); err != nil {
		return "", &repositories.ValidationError{Field: "body", Message: "malformed JSON"}
	}
	if body.UserID == "" {
		return "", &repositories.ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	return body.UserID, nil
}

func (s *Server) createUser(c *fiber.Ctx) error {
	var p users.CreateParams
	if err := c.BodyParser(&p); err != nil {
		return &repositories.ValidationError{Field: "body", Message: "malformed JSON"}
	}

	user, err := s.accounts.Create(c.Context(), p)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(user)
}

func (s *Server) getUser(c *fiber.Ctx) error {
	user, err := s.accounts.Get(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(user)
}

func (s *Server) editUser(c *fiber.Ctx) error {
	var p users.EditParams
	if err := c.BodyParser(&p); err != nil {
		return &repositories.ValidationError{Field: "body", Message: "malformed JSON"}
	}

	user, err := s.accounts.EditProfile(c.Context(), c.Params("id"), p)
	if err != nil {
		return err
	}
	return c.JSON(user)
}

func (s *Server) setAvatar(c *fiber.Ctx) error {
	data, contentType, err := readImage(c)
	if err != nil {
		return err
	}

	user, err := s.accounts.SetProfileImage(c.Context(), c.Params("id"), data, contentType)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"user":        user,
		"profile_url": s.blobs.URL(user.ProfileRef),
	})
}

func (s *Server) deleteUser(c *fiber.Ctx) error {
	if err := s.accounts.DeleteAccount(c.Context(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) reserveSlot(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}

	slot, err := s.manager.Reserve(c.Context(), c.Params("id"), userID)
	if err != nil {
		return err
	}
	s.reaper.Rearm()
	return c.JSON(slot)
}

func (s *Server) commitContent(c *fiber.Ctx) error {
	userID := c.FormValue("user_id")
	if userID == "" {
		return &repositories.ValidationError{Field: "user_id", Message: "must not be empty"}
	}

	data, contentType, err := readImage(c)
	if err != nil {
		return err
	}

	slot, err := s.manager.CommitContent(c.Context(), c.Params("id"), userID, data, contentType)
	if err != nil {
		return err
	}
	s.reaper.Rearm()
	return c.JSON(fiber.Map{
		"slot":        slot,
		"content_url": s.blobs.URL(slot.ContentRef),
	})
}

func readImage(c *fiber.Ctx) ([]byte, string, error) {
	header, err := c.FormFile("image")
	if err != nil {
		return nil, "", &repositories.ValidationError{Field: "image", Message: "missing file"}
	}

	file, err := header.Open()
	if err != nil {
		return nil, "", &repositories.ValidationError{Field: "image", Message: "unreadable file"}
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", &repositories.ValidationError{Field: "image", Message: "unreadable file"}
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

func (s *Server) likeSlot(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}
	if err := s.ledger.Like(c.Context(), c.Params("id"), userID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) unlikeSlot(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}
	if err := s.ledger.Unlike(c.Context(), c.Params("id"), userID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) hasLiked(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	liked, err := s.ledger.HasLiked(c.Context(), c.Params("id"), userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"liked": liked})
}

func (s *Server) viewSlot(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}
	counted, err := s.ledger.RecordView(c.Context(), c.Params("id"), userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"counted": counted})
}

func (s *Server) getWall(c *fiber.Ctx) error {
	return c.JSON(s.aggregator.Latest())
}

// streamWall pushes wall snapshots over server-sent events.
func (s *Server) streamWall(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	updates, cancel := s.aggregator.Subscribe()
	snapshot := s.aggregator.Latest()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		if err := writeEvent(w, snapshot); err != nil {
			return
		}
		for snap := range updates {
			if err := writeEvent(w, snap); err != nil {
				return
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, snap []live.SlotProjection) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Server) runReap(c *fiber.Ctx) error {
	start := time.Now()
	count, err := s.reaper.RunOnce(c.Context())
	if err != nil {
		return err
	}
	s.reaper.Rearm()
	return c.JSON(fiber.Map{
		"reclaimed": count,
		"took_ms":   time.Since(start).Milliseconds(),
	})
}

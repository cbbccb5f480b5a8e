package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/pixelgrid/gridwall/gridwall/database/memory"
	"github.com/pixelgrid/gridwall/gridwall/database/models"
	"github.com/pixelgrid/gridwall/gridwall/engagement"
	"github.com/pixelgrid/gridwall/gridwall/live"
	"github.com/pixelgrid/gridwall/gridwall/reaper"
	"github.com/pixelgrid/gridwall/gridwall/reservation"
	"github.com/pixelgrid/gridwall/gridwall/services"
	servicemock "github.com/pixelgrid/gridwall/gridwall/services/mock"
	"github.com/pixelgrid/gridwall/gridwall/users"
)

type fixture struct {
	server     *Server
	store      *memory.Store
	moderation *servicemock.MockModerationGate
	blobs      *servicemock.MockBlobStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	moderation := servicemock.NewMockModerationGate(ctrl)
	blobs := servicemock.NewMockBlobStore(ctrl)

	store := memory.NewStore()
	slots := memory.NewSlotRepository(store)
	userRepo := memory.NewUserRepository(store)
	engRepo := memory.NewEngagementRepository(store)

	manager := reservation.NewManager(slots, moderation, blobs, reservation.Config{
		HoldWindow: 5 * time.Minute,
		LifeWindow: 20 * time.Minute,
	})
	ledger := engagement.NewLedger(engRepo)
	accounts := users.NewService(userRepo, slots, engRepo, blobs)

	agg, err := live.NewAggregator(slots, userRepo, live.NewChanWatcher())
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}

	rp := reaper.New(slots, engRepo, userRepo, blobs, reaper.Config{
		Mode:     reaper.ModeInterval,
		Interval: time.Minute,
	})

	return &fixture{
		server:     New(manager, ledger, accounts, agg, rp, blobs),
		store:      store,
		moderation: moderation,
		blobs:      blobs,
	}
}

func (f *fixture) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := f.server.App().Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func jsonReq(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode body %q: %v", raw, err)
	}
}

func TestUserEndpoints(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, jsonReq(http.MethodPost, "/api/users",
		`{"id":"user-1","username":"ana","name":"Ana"}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	resp = f.do(t, httptest.NewRequest(http.MethodGet, "/api/users/user-1", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}

	resp = f.do(t, jsonReq(http.MethodPost, "/api/users",
		`{"id":"user-2","username":"ana"}`))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}

	resp = f.do(t, httptest.NewRequest(http.MethodGet, "/api/users/ghost", nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing user status = %d, want 404", resp.StatusCode)
	}
}

func TestReserveEndpoint(t *testing.T) {
	f := newFixture(t)
	f.store.SeedUser(&models.User{ID: "user-1", Username: "ana"})
	f.store.SeedSlot(&models.Slot{ID: "0_0", Status: models.SlotStatusAvailable})
	f.store.SeedSlot(&models.Slot{ID: "0_1", Status: models.SlotStatusAvailable})

	resp := f.do(t, jsonReq(http.MethodPost, "/api/slots/0_0/reserve", `{"user_id":"user-1"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reserve status = %d", resp.StatusCode)
	}

	var slot models.Slot
	decode(t, resp, &slot)
	if slot.Status != models.SlotStatusProcessing {
		t.Errorf("status = %s, want processing", slot.Status)
	}

	// Same user again: cooldown and the one-slot rule both say no.
	resp = f.do(t, jsonReq(http.MethodPost, "/api/slots/0_1/reserve", `{"user_id":"user-1"}`))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second reserve status = %d, want 409", resp.StatusCode)
	}

	resp = f.do(t, jsonReq(http.MethodPost, "/api/slots/0_0/reserve", `{}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty user status = %d, want 400", resp.StatusCode)
	}
}

func multipartImage(t *testing.T, userID string, image []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	if userID != "" {
		if err := writer.WriteField("user_id", userID); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="img.png"`)
	header.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(image); err != nil {
		t.Fatalf("write image: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestCommitContentEndpoint(t *testing.T) {
	image := []byte("fake-png")

	t.Run("books held slot", func(t *testing.T) {
		f := newFixture(t)
		f.store.SeedUser(&models.User{ID: "user-1", Username: "ana"})
		held := time.Now().Add(5 * time.Minute)
		f.store.SeedSlot(&models.Slot{
			ID: "0_0", Status: models.SlotStatusProcessing,
			BookedBy: "user-1", ExpiresAt: &held,
		})

		f.moderation.EXPECT().Check(gomock.Any(), image, "image/png").Return(nil)
		f.blobs.EXPECT().Put(gomock.Any(), "uploads/0_0", image, "image/png").Return("uploads/0_0/abc", nil)
		f.blobs.EXPECT().URL("uploads/0_0/abc").Return("https://cdn.example/uploads/0_0/abc")

		body, contentType := multipartImage(t, "user-1", image)
		req := httptest.NewRequest(http.MethodPost, "/api/slots/0_0/content", body)
		req.Header.Set("Content-Type", contentType)

		resp := f.do(t, req)
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			t.Fatalf("commit status = %d, body %s", resp.StatusCode, raw)
		}

		var out struct {
			Slot       models.Slot `json:"slot"`
			ContentURL string      `json:"content_url"`
		}
		decode(t, resp, &out)
		if out.Slot.Status != models.SlotStatusBooked {
			t.Errorf("status = %s, want booked", out.Slot.Status)
		}
		if out.ContentURL == "" {
			t.Error("content_url missing")
		}
	})

	t.Run("rejected image is a 400", func(t *testing.T) {
		f := newFixture(t)
		f.store.SeedUser(&models.User{ID: "user-1", Username: "ana"})
		held := time.Now().Add(5 * time.Minute)
		f.store.SeedSlot(&models.Slot{
			ID: "0_0", Status: models.SlotStatusProcessing,
			BookedBy: "user-1", ExpiresAt: &held,
		})

		f.moderation.EXPECT().Check(gomock.Any(), image, "image/png").
			Return(&services.RejectedError{Score: 0.1})

		body, contentType := multipartImage(t, "user-1", image)
		req := httptest.NewRequest(http.MethodPost, "/api/slots/0_0/content", body)
		req.Header.Set("Content-Type", contentType)

		resp := f.do(t, req)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestEngagementEndpoints(t *testing.T) {
	f := newFixture(t)
	expires := time.Now().Add(15 * time.Minute)
	f.store.SeedUser(&models.User{ID: "owner", Username: "ana"})
	f.store.SeedUser(&models.User{ID: "fan", Username: "ben"})
	f.store.SeedSlot(&models.Slot{
		ID: "0_0", Status: models.SlotStatusBooked,
		BookedBy: "owner", ContentRef: "uploads/0_0/abc", ExpiresAt: &expires,
	})

	resp := f.do(t, jsonReq(http.MethodPost, "/api/slots/0_0/like", `{"user_id":"fan"}`))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("like status = %d", resp.StatusCode)
	}

	resp = f.do(t, jsonReq(http.MethodPost, "/api/slots/0_0/like", `{"user_id":"fan"}`))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double like status = %d, want 409", resp.StatusCode)
	}

	resp = f.do(t, httptest.NewRequest(http.MethodGet, "/api/slots/0_0/like?user_id=fan", nil))
	var liked struct {
		Liked bool `json:"liked"`
	}
	decode(t, resp, &liked)
	if !liked.Liked {
		t.Error("liked = false, want true")
	}

	resp = f.do(t, jsonReq(http.MethodPost, "/api/slots/0_0/view", `{"user_id":"fan"}`))
	var view struct {
		Counted bool `json:"counted"`
	}
	decode(t, resp, &view)
	if !view.Counted {
		t.Error("first view not counted")
	}

	resp = f.do(t, jsonReq(http.MethodPost, "/api/slots/0_0/view", `{"user_id":"fan"}`))
	decode(t, resp, &view)
	if view.Counted {
		t.Error("repeat view counted")
	}

	resp = f.do(t, jsonReq(http.MethodDelete, "/api/slots/0_0/like", `{"user_id":"fan"}`))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unlike status = %d", resp.StatusCode)
	}
}

func TestWallAndReapEndpoints(t *testing.T) {
	f := newFixture(t)
	expired := time.Now().Add(-time.Minute)
	f.store.SeedUser(&models.User{ID: "owner", Username: "ana"})
	f.store.SeedSlot(&models.Slot{
		ID: "0_0", Status: models.SlotStatusBooked,
		BookedBy: "owner", ContentRef: "uploads/0_0/abc", ExpiresAt: &expired,
	})

	f.blobs.EXPECT().Delete(gomock.Any(), "uploads/0_0/abc").Return(nil)

	resp := f.do(t, httptest.NewRequest(http.MethodPost, "/api/admin/reap", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reap status = %d", resp.StatusCode)
	}

	var reap struct {
		Reclaimed int `json:"reclaimed"`
	}
	decode(t, resp, &reap)
	if reap.Reclaimed != 1 {
		t.Errorf("reclaimed = %d, want 1", reap.Reclaimed)
	}

	if err := f.server.aggregator.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	resp = f.do(t, httptest.NewRequest(http.MethodGet, "/api/wall", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wall status = %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read wall body: %v", err)
	}
	for _, field := range []string{`"slot"`, `"id"`, `"status"`, `"booked_by"`, `"content_ref"`} {
		if !bytes.Contains(body, []byte(field)) {
			t.Errorf("wall payload missing %s field: %s", field, body)
		}
	}

	var wall []live.SlotProjection
	if err := json.Unmarshal(body, &wall); err != nil {
		t.Fatalf("decode wall: %v", err)
	}
	if len(wall) != 1 {
		t.Fatalf("wall size = %d, want 1", len(wall))
	}
	if wall[0].Slot.Status != models.SlotStatusAvailable {
		t.Errorf("slot status = %s, want available after reap", wall[0].Slot.Status)
	}
	if wall[0].Owner != nil {
		t.Error("reclaimed slot still shows an owner")
	}
}

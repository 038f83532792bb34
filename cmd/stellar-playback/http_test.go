package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/edumarques81/stellar-playback/internal/domain/player"
	"github.com/edumarques81/stellar-playback/internal/infra/cache"
)

type nullRenderer struct{}

func (nullRenderer) Attach(context.Context, string, time.Duration) error { return nil }
func (nullRenderer) Play() error                                        { return nil }
func (nullRenderer) Pause() error                                       { return nil }
func (nullRenderer) CurrentPosition() time.Duration                     { return 0 }
func (nullRenderer) IsPlaying() bool                                    { return true }
func (nullRenderer) Release() error                                     { return nil }

type fixedResolver struct{}

func (fixedResolver) Resolve(_ context.Context, itemID string, qualityID int) (player.Source, error) {
	return player.Source{
		PlayableURL:         "http://cdn.local/" + itemID,
		AvailableQualityIDs: []int{64, 32},
		Title:               "Title " + itemID,
	}, nil
}

func newTestAPI(t *testing.T) (*api, *player.Service) {
	t.Helper()

	db := cache.NewDB(filepath.Join(t.TempDir(), "playback.db"))
	if err := db.Open(); err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	svc, err := player.NewService(player.Dependencies{
		Resolver: fixedResolver{},
		Renderers: player.RendererFactoryFunc(func(context.Context) (player.Renderer, error) {
			return nullRenderer{}, nil
		}),
		Positions: db,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	return &api{svc: svc, history: db}, svc
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	a, svc := newTestAPI(t)
	h := a.routes()

	var body map[string]interface{}
	rec := get(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	decode(t, rec, &body)
	if body["status"] != "ok" || body["session"] != "none" {
		t.Errorf("body = %v", body)
	}

	if _, err := svc.Load(context.Background(), player.LoadRequest{ItemID: "BV1", StartPosition: player.NoPosition}); err != nil {
		t.Fatal(err)
	}
	rec = get(t, h, "/health")
	decode(t, rec, &body)
	if body["session"] != "PLAYING" || body["plays"] != float64(1) {
		t.Errorf("body = %v", body)
	}
}

func TestSessionEndpoint(t *testing.T) {
	a, svc := newTestAPI(t)
	h := a.routes()

	if rec := get(t, h, "/api/v1/session"); rec.Code != http.StatusNotFound {
		t.Errorf("no session: status = %d", rec.Code)
	}

	if _, err := svc.Load(context.Background(), player.LoadRequest{ItemID: "BV1", QualityID: 64, StartPosition: player.NoPosition}); err != nil {
		t.Fatal(err)
	}

	rec := get(t, h, "/api/v1/session")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	decode(t, rec, &body)
	if body["itemId"] != "BV1" || body["grantedQuality"] != float64(64) {
		t.Errorf("body = %v", body)
	}
}

func TestQueueEndpoint(t *testing.T) {
	a, _ := newTestAPI(t)

	var body map[string]interface{}
	rec := get(t, a.routes(), "/api/v1/queue")
	decode(t, rec, &body)
	if body["mode"] != "SEQUENTIAL" || body["index"] != float64(-1) {
		t.Errorf("body = %v", body)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	a, svc := newTestAPI(t)
	h := a.routes()
	ctx := context.Background()

	for _, id := range []string{"BV1", "BV2", "BV3"} {
		if _, err := svc.Load(ctx, player.LoadRequest{ItemID: id, StartPosition: player.NoPosition}); err != nil {
			t.Fatal(err)
		}
	}

	var plays []cache.PlayRecord
	rec := get(t, h, "/api/v1/history?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	decode(t, rec, &plays)
	if len(plays) != 2 || plays[0].ItemID != "BV3" {
		t.Errorf("plays = %+v", plays)
	}

	for _, bad := range []string{"0", "-1", "ten"} {
		if rec := get(t, h, "/api/v1/history?limit="+bad); rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d", bad, rec.Code)
		}
	}
}

func TestVersionAndMetrics(t *testing.T) {
	a, _ := newTestAPI(t)
	h := a.routes()

	var info map[string]interface{}
	rec := get(t, h, "/api/v1/version")
	decode(t, rec, &info)
	if info["name"] == "" || info["goVersion"] == "" {
		t.Errorf("version = %v", info)
	}

	if rec := get(t, h, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}

func TestCorsMiddleware_SetsHeadersOnError(t *testing.T) {
	a, _ := newTestAPI(t)

	rec := get(t, a.routes(), "/missing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q on 404 response, want %q", got, "*")
	}
}

func TestCorsMiddleware_HandlesPreflight(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for OPTIONS preflight")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/session", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}
}

func TestSocketRouteBypassesCors(t *testing.T) {
	a, _ := newTestAPI(t)
	a.socket = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := get(t, a.routes(), "/socket.io/?EIO=4&transport=polling")
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("socket route got CORS header %q", got)
	}
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lifecyclehq/go-journey-backend/internal/domain"
	"github.com/lifecyclehq/go-journey-backend/internal/http/middleware"
	"github.com/lifecyclehq/go-journey-backend/internal/repo"
	"github.com/lifecyclehq/go-journey-backend/internal/services"
)

// ---------- test DB + directory shim ----------

func newJourneyDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Unique DSN per call to avoid cross-test contamination
	dsn := fmt.Sprintf("file:journey_handlers_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	db.Exec("PRAGMA foreign_keys=ON;")
	if err := db.AutoMigrate(&domain.Customer{}, &domain.JourneyState{}, &domain.JourneyMessage{}, &domain.Idempotency{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Minimal shim implementing services.CustomerDirectory using the repo package
// (like router.go)
type testDirectory struct {
	db *gorm.DB
}

func (d testDirectory) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return repo.GetCustomer(ctx, d.db, id)
}

func seedCustomer(t *testing.T, db *gorm.DB, id, email, phone string) {
	t.Helper()
	if err := db.Create(&domain.Customer{ID: id, Email: email, Phone: phone}).Error; err != nil {
		t.Fatalf("seed customer: %v", err)
	}
}

// ---------- flexible service stubs ----------

type stubJourneySvc struct {
	updateStage func(context.Context, string, string, int, float64) (*domain.JourneyState, error)
	start       func(context.Context, services.StartJourneyRequest) (*services.StartResult, error)
	unsub       func(context.Context, string, string, services.UnsubscribeScope) (*domain.JourneyState, error)
	getState    func(context.Context, string, string) (*domain.JourneyState, []domain.JourneyMessage, error)
	stats       func(context.Context, string) (*repo.JourneyStats, error)
}

func (s stubJourneySvc) UpdateStage(ctx context.Context, cid, oid string, st int, dep float64) (*domain.JourneyState, error) {
	if s.updateStage != nil {
		return s.updateStage(ctx, cid, oid, st, dep)
	}
	return &domain.JourneyState{CustomerID: cid, OperatorID: oid, Stage: st}, nil
}

func (s stubJourneySvc) StartJourney(ctx context.Context, req services.StartJourneyRequest) (*services.StartResult, error) {
	if s.start != nil {
		return s.start(ctx, req)
	}
	return &services.StartResult{}, nil
}

func (s stubJourneySvc) Unsubscribe(ctx context.Context, cid, oid string, scope services.UnsubscribeScope) (*domain.JourneyState, error) {
	if s.unsub != nil {
		return s.unsub(ctx, cid, oid, scope)
	}
	return &domain.JourneyState{CustomerID: cid, OperatorID: oid}, nil
}

func (s stubJourneySvc) GetState(ctx context.Context, cid, oid string) (*domain.JourneyState, []domain.JourneyMessage, error) {
	if s.getState != nil {
		return s.getState(ctx, cid, oid)
	}
	return nil, nil, repo.ErrNotFound
}

func (s stubJourneySvc) Stats(ctx context.Context, oid string) (*repo.JourneyStats, error) {
	if s.stats != nil {
		return s.stats(ctx, oid)
	}
	return &repo.JourneyStats{}, nil
}

type stubDispatcher struct {
	process func(context.Context, int) (*services.Report, error)
}

func (s stubDispatcher) ProcessPending(ctx context.Context, limit int) (*services.Report, error) {
	if s.process != nil {
		return s.process(ctx, limit)
	}
	return &services.Report{}, nil
}

// ---------- UpdateStage ----------

func TestUpdateStage_BadRequests_Success_Internal(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Bad JSON -> 400
	{
		h := New(stubJourneySvc{}, stubDispatcher{})
		r := gin.New()
		r.POST("/journeys/stage", h.UpdateStage)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/journeys/stage", bytes.NewBufferString("{bad"))
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("bad json -> %d", w.Code)
		}
	}

	// Stage < -1 -> 400
	{
		h := New(stubJourneySvc{}, stubDispatcher{})
		r := gin.New()
		r.POST("/journeys/stage", h.UpdateStage)

		w := httptest.NewRecorder()
		body := `{"customer_id":"c1","operator_id":"op1","stage":-2}`
		req := httptest.NewRequest(http.MethodPost, "/journeys/stage", bytes.NewBufferString(body))
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("stage < -1 -> %d", w.Code)
		}
	}

	// Negative deposit -> 400
	{
		h := New(stubJourneySvc{}, stubDispatcher{})
		r := gin.New()
		r.POST("/journeys/stage", h.UpdateStage)

		w := httptest.NewRecorder()
		body := `{"customer_id":"c1","operator_id":"op1","stage":1,"deposit_amount":-5}`
		req := httptest.NewRequest(http.MethodPost, "/journeys/stage", bytes.NewBufferString(body))
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("negative deposit -> %d", w.Code)
		}
	}

	// Success with the real service -> 200, state persisted
	{
		db := newJourneyDB(t)
		svc := services.NewJourneyService(db, testDirectory{db: db})
		h := New(svc, stubDispatcher{})
		r := gin.New()
		r.POST("/journeys/stage", h.UpdateStage)

		w := httptest.NewRecorder()
		body := `{"customer_id":"c1","operator_id":"op1","stage":1,"deposit_amount":40}`
		req := httptest.NewRequest(http.MethodPost, "/journeys/stage", bytes.NewBufferString(body))
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("stage update -> %d body=%s", w.Code, w.Body.String())
		}
		var out domain.JourneyState
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("json: %v", err)
		}
		if out.Stage != 1 || out.CurrentJourney != domain.JourneyRetention || out.DepositCount != 1 {
			t.Fatalf("unexpected state: %#v", out)
		}
	}

	// Internal error -> 500
	{
		errSvc := stubJourneySvc{
			updateStage: func(context.Context, string, string, int, float64) (*domain.JourneyState, error) {
				return nil, gorm.ErrInvalidField
			},
		}
		h := New(errSvc, stubDispatcher{})
		r := gin.New()
		r.POST("/journeys/stage", h.UpdateStage)

		w := httptest.NewRecorder()
		body := `{"customer_id":"c1","operator_id":"op1","stage":1}`
		req := httptest.NewRequest(http.MethodPost, "/journeys/stage", bytes.NewBufferString(body))
		r.ServeHTTP(w, req)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("internal -> %d", w.Code)
		}
	}
}

func TestUpdateStage_IdempotentReplay_DoesNotDoubleCount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newJourneyDB(t)
	svc := services.NewJourneyService(db, testDirectory{db: db})
	h := New(svc, stubDispatcher{})

	r := gin.New()
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{},
		func(ctx context.Context, customerID, operatorID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, customerID, operatorID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))
	r.POST("/journeys/stage", h.UpdateStage)

	body := `{"customer_id":"c1","operator_id":"op1","stage":1,"deposit_amount":40}`

	// First delivery: applied and recorded.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/journeys/stage", bytes.NewBufferString(body))
	req.Header.Set(middleware.HeaderIdempotencyKey, "evt-1")
	req.Header.Set("X-Customer-ID", "c1")
	req.Header.Set("X-Operator-ID", "op1")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first delivery -> %d body=%s", w.Code, w.Body.String())
	}

	// Redelivery with the same key: replayed, deposit not double-counted.
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/journeys/stage", bytes.NewBufferString(body))
	req2.Header.Set(middleware.HeaderIdempotencyKey, "evt-1")
	req2.Header.Set("X-Customer-ID", "c1")
	req2.Header.Set("X-Operator-ID", "op1")
	r.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("replay -> %d body=%s", w2.Code, w2.Body.String())
	}
	if w2.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("expected Idempotency-Replayed header on replay")
	}

	var out domain.JourneyState
	if err := json.Unmarshal(w2.Body.Bytes(), &out); err != nil {
		t.Fatalf("json: %v", err)
	}
	if out.DepositCount != 1 {
		t.Fatalf("deposit double-counted: %d", out.DepositCount)
	}
}

// ---------- StartJourney ----------

func TestStartJourney_ErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"unknown type", services.ErrUnknownJourneyType, http.StatusBadRequest, ErrCodeUnknownJourney},
		{"stopped", services.ErrJourneyStopped, http.StatusConflict, ErrCodeJourneyStopped},
		{"out of range", fmt.Errorf("%w: stage 3 not in [-1,0]", services.ErrStageOutOfRange), http.StatusConflict, ErrCodeStageOutOfRange},
		{"active", services.ErrJourneyActive, http.StatusConflict, ErrCodeJourneyActive},
		{"customer missing", services.ErrCustomerNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"other", gorm.ErrInvalidField, http.StatusInternalServerError, ErrCodeStartFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := stubJourneySvc{
				start: func(context.Context, services.StartJourneyRequest) (*services.StartResult, error) {
					return nil, tc.err
				},
			}
			h := New(svc, stubDispatcher{})
			r := gin.New()
			r.POST("/journeys/start", h.StartJourney)

			w := httptest.NewRecorder()
			body := `{"customer_id":"c1","operator_id":"op1","journey_type":"acquisition"}`
			req := httptest.NewRequest(http.MethodPost, "/journeys/start", bytes.NewBufferString(body))
			r.ServeHTTP(w, req)
			if w.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantCode)
			}
			var er ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
				t.Fatalf("json: %v", err)
			}
			if er.Code != tc.wantBody {
				t.Fatalf("code = %q, want %q", er.Code, tc.wantBody)
			}
		})
	}
}

func TestStartJourney_Success_EmailOnlyCustomer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newJourneyDB(t)
	seedCustomer(t, db, "c1", "c1@example.com", "") // no phone: SMS steps skipped

	svc := services.NewJourneyService(db, testDirectory{db: db})
	h := New(svc, stubDispatcher{})
	r := gin.New()
	r.POST("/journeys/start", h.StartJourney)

	w := httptest.NewRecorder()
	body := `{"customer_id":"c1","operator_id":"op1","operator_name":"Lucky7","journey_type":"acquisition"}`
	req := httptest.NewRequest(http.MethodPost, "/journeys/start", bytes.NewBufferString(body))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("start -> %d body=%s", w.Code, w.Body.String())
	}

	var out services.StartResult
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("json: %v", err)
	}
	if out.Scheduled != 3 || out.SkippedNoDestination != 2 {
		t.Fatalf("unexpected result: %#v", out)
	}

	// Second call: the duplicate guard refuses with 409.
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/journeys/start", bytes.NewBufferString(body))
	r.ServeHTTP(w2, req2)
	if w2.Code != http.StatusConflict {
		t.Fatalf("duplicate start -> %d", w2.Code)
	}
}

// ---------- Unsubscribe ----------

func TestUnsubscribe_BadScope_And_Success(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Bad scope -> 400
	{
		h := New(stubJourneySvc{}, stubDispatcher{})
		r := gin.New()
		r.POST("/unsubscribe", h.Unsubscribe)

		w := httptest.NewRecorder()
		body := `{"customer_id":"c1","operator_id":"op1","scope":"everything"}`
		req := httptest.NewRequest(http.MethodPost, "/unsubscribe", bytes.NewBufferString(body))
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("bad scope -> %d", w.Code)
		}
	}

	// Success with the real service -> 200, flag set
	{
		db := newJourneyDB(t)
		svc := services.NewJourneyService(db, testDirectory{db: db})
		h := New(svc, stubDispatcher{})
		r := gin.New()
		r.POST("/unsubscribe", h.Unsubscribe)

		w := httptest.NewRecorder()
		body := `{"customer_id":"c1","operator_id":"op1","scope":"email"}`
		req := httptest.NewRequest(http.MethodPost, "/unsubscribe", bytes.NewBufferString(body))
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("unsubscribe -> %d body=%s", w.Code, w.Body.String())
		}
		var out domain.JourneyState
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("json: %v", err)
		}
		if !out.UnsubEmail || out.UnsubSms || out.UnsubGlobal {
			t.Fatalf("unexpected flags: %#v", out)
		}
	}
}

// ---------- GetState ----------

func TestGetState_MissingOperator_NotFound_Success(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newJourneyDB(t)
	svc := services.NewJourneyService(db, testDirectory{db: db})
	h := New(svc, stubDispatcher{})
	r := gin.New()
	r.GET("/journeys/:customer_id", h.GetState)

	// Missing operator_id -> 400
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/journeys/c1", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing operator -> %d", w.Code)
	}

	// Unknown pair -> 404
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/journeys/c1?operator_id=op1", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown state -> %d", w.Code)
	}

	// Seed and fetch -> 200 with state + messages
	if _, err := svc.UpdateStage(context.Background(), "c1", "op1", 0, 0); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/journeys/c1?operator_id=op1", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get state -> %d body=%s", w.Code, w.Body.String())
	}
	var out StateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("json: %v", err)
	}
	if out.State == nil || out.State.CustomerID != "c1" || out.State.Stage != 0 {
		t.Fatalf("unexpected state: %#v", out.State)
	}
}

// ---------- Stats ----------

func TestStats_Success_And_Error(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Success with the real service and an empty DB
	{
		db := newJourneyDB(t)
		svc := services.NewJourneyService(db, testDirectory{db: db})
		h := New(svc, stubDispatcher{})
		r := gin.New()
		r.GET("/journeys/stats", h.Stats)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/journeys/stats", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("stats -> %d body=%s", w.Code, w.Body.String())
		}
		var out repo.JourneyStats
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("json: %v", err)
		}
		if out.TotalJourneys != 0 {
			t.Fatalf("expected empty stats, got %#v", out)
		}
	}

	// Service error -> 500
	{
		errSvc := stubJourneySvc{
			stats: func(context.Context, string) (*repo.JourneyStats, error) {
				return nil, gorm.ErrInvalidField
			},
		}
		h := New(errSvc, stubDispatcher{})
		r := gin.New()
		r.GET("/journeys/stats", h.Stats)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/journeys/stats", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("stats error -> %d", w.Code)
		}
	}
}

// ---------- RunDispatch ----------

func TestRunDispatch_LimitClamp_Success_Error(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Limit is clamped to [1, 500] and passed through
	{
		var gotLimit int
		disp := stubDispatcher{
			process: func(_ context.Context, limit int) (*services.Report, error) {
				gotLimit = limit
				return &services.Report{Processed: 0}, nil
			},
		}
		h := New(stubJourneySvc{}, disp)
		r := gin.New()
		r.POST("/dispatch/run", h.RunDispatch)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/dispatch/run?limit=9999", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("dispatch -> %d body=%s", w.Code, w.Body.String())
		}
		if gotLimit != 500 {
			t.Fatalf("limit clamp: got %d", gotLimit)
		}

		w = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodPost, "/dispatch/run?limit=-1", nil)
		r.ServeHTTP(w, req)
		if gotLimit != 1 {
			t.Fatalf("limit floor: got %d", gotLimit)
		}
	}

	// Dispatcher error -> 500
	{
		disp := stubDispatcher{
			process: func(context.Context, int) (*services.Report, error) {
				return nil, gorm.ErrInvalidField
			},
		}
		h := New(stubJourneySvc{}, disp)
		r := gin.New()
		r.POST("/dispatch/run", h.RunDispatch)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/dispatch/run", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("dispatch error -> %d", w.Code)
		}
	}
}

package stocktake

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmacore/pharmacore/internal/catalog"
	"github.com/pharmacore/pharmacore/internal/posting"
	"github.com/pharmacore/pharmacore/internal/rbac"
	"github.com/pharmacore/pharmacore/internal/shared"
)

type stubService struct {
	StockTakeService
	startFn       func(ctx context.Context, actor rbac.Actor, branchID int64) (Session, error)
	completeFn    func(ctx context.Context, actor rbac.Actor, sessionID int64) (CompletionResult, error)
	recordFn      func(ctx context.Context, actor rbac.Actor, in RecordCountInput) (Count, error)
	rejectFn      func(ctx context.Context, actor rbac.Actor, sessionID int64, location, reason string) (ShelfSummary, error)
	getFn         func(ctx context.Context, id int64) (Session, error)
	listShelvesFn func(ctx context.Context, sessionID int64) ([]ShelfSummary, error)
	listCountsFn  func(ctx context.Context, filter CountFilter) ([]Count, error)
}

func (s *stubService) Start(ctx context.Context, actor rbac.Actor, branchID int64) (Session, error) {
	return s.startFn(ctx, actor, branchID)
}

func (s *stubService) Complete(ctx context.Context, actor rbac.Actor, sessionID int64) (CompletionResult, error) {
	return s.completeFn(ctx, actor, sessionID)
}

func (s *stubService) RecordCount(ctx context.Context, actor rbac.Actor, in RecordCountInput) (Count, error) {
	return s.recordFn(ctx, actor, in)
}

func (s *stubService) RejectShelf(ctx context.Context, actor rbac.Actor, sessionID int64, location, reason string) (ShelfSummary, error) {
	return s.rejectFn(ctx, actor, sessionID, location, reason)
}

func (s *stubService) Get(ctx context.Context, id int64) (Session, error) {
	return s.getFn(ctx, id)
}

func (s *stubService) ListShelves(ctx context.Context, sessionID int64) ([]ShelfSummary, error) {
	return s.listShelvesFn(ctx, sessionID)
}

func (s *stubService) ListCounts(ctx context.Context, filter CountFilter) ([]Count, error) {
	return s.listCountsFn(ctx, filter)
}

type stubResolver map[int64]rbac.Role

func (s stubResolver) ResolveActor(ctx context.Context, userID int64) (rbac.Actor, error) {
	role, ok := s[userID]
	if !ok {
		return rbac.Actor{}, rbac.ErrNotFound
	}
	return rbac.Actor{ID: userID, Role: role}, nil
}

type testServer struct {
	router   chi.Router
	sessions *shared.SessionManager
}

func newTestServer(t *testing.T, svc StockTakeService) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := shared.NewSessionManager(redisClient, "test_session", time.Hour, false)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := stubResolver{admin.ID: rbac.RoleAdmin, counterA.ID: rbac.RoleCounter, verifier.ID: rbac.RoleVerifier}
	handler := NewHandler(logger, svc, rbac.Middleware{Service: resolver, Logger: logger})
	router := chi.NewRouter()
	router.Route("/api/stock-takes", handler.MountRoutes)
	return &testServer{router: router, sessions: sessions}
}

func (s *testServer) do(t *testing.T, actor rbac.Actor, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	sess, err := s.sessions.Load(context.Background(), req)
	require.NoError(t, err)
	if actor.ID != 0 {
		sess.SetUser(strconv.FormatInt(actor.ID, 10))
	}
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func TestHandlerStartSession(t *testing.T) {
	var gotActor rbac.Actor
	svc := &stubService{startFn: func(ctx context.Context, actor rbac.Actor, branchID int64) (Session, error) {
		gotActor = actor
		return Session{ID: 5, BranchID: branchID, Status: SessionActive}, nil
	}}
	srv := newTestServer(t, svc)

	rr := srv.do(t, admin, http.MethodPost, "/api/stock-takes/", `{"branch_id":7}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, admin.ID, gotActor.ID)
	assert.Equal(t, rbac.RoleAdmin, gotActor.Role)
	assert.NotContains(t, rr.Body.String(), "code")

	var session Session
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &session))
	assert.Equal(t, int64(7), session.BranchID)
}

func TestHandlerRequiresCapability(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	rr := srv.do(t, counterA, http.MethodPost, "/api/stock-takes/", `{"branch_id":7}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = srv.do(t, rbac.Actor{}, http.MethodPost, "/api/stock-takes/", `{"branch_id":7}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandlerStartOpenDocuments(t *testing.T) {
	svc := &stubService{startFn: func(ctx context.Context, actor rbac.Actor, branchID int64) (Session, error) {
		return Session{}, &OpenDocumentsError{Documents: []posting.DocumentRef{{Kind: posting.KindSalesInvoice, ID: 3, Number: "INV-0003"}}}
	}}
	srv := newTestServer(t, svc)

	rr := srv.do(t, admin, http.MethodPost, "/api/stock-takes/", `{"branch_id":7}`)
	require.Equal(t, http.StatusConflict, rr.Code)
	var body conflictBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Documents, 1)
	assert.Equal(t, "INV-0003", body.Documents[0].Number)
}

func TestHandlerRecordCount(t *testing.T) {
	var got RecordCountInput
	svc := &stubService{recordFn: func(ctx context.Context, actor rbac.Actor, in RecordCountInput) (Count, error) {
		got = in
		if in.ShelfLocation == "B2" {
			return Count{}, ErrShelfNameTaken
		}
		if in.UnitName == "CRATE" {
			return Count{}, catalog.ErrUnknownUnit
		}
		return Count{ID: 1, SessionID: in.SessionID, ShelfLocation: in.ShelfLocation, CountedQuantity: in.Quantity.Mul(qty(30))}, nil
	}}
	srv := newTestServer(t, svc)

	rr := srv.do(t, counterA, http.MethodPost, "/api/stock-takes/3/counts",
		`{"shelf_location":"A1","item_id":101,"unit_name":"PACKET","quantity":"2","expiry_date":"2027-01-31"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, int64(3), got.SessionID)
	assert.True(t, got.Quantity.Equal(qty(2)))
	require.NotNil(t, got.ExpiryDate)
	assert.Equal(t, 31, got.ExpiryDate.Day())

	rr = srv.do(t, counterA, http.MethodPost, "/api/stock-takes/3/counts",
		`{"shelf_location":"B2","item_id":101,"unit_name":"PACKET","quantity":"2"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = srv.do(t, counterA, http.MethodPost, "/api/stock-takes/3/counts",
		`{"shelf_location":"A1","item_id":101,"unit_name":"CRATE","quantity":"2"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = srv.do(t, counterA, http.MethodPost, "/api/stock-takes/3/counts", `{"item_id":101,"unit_name":"PACKET","quantity":"2"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "shelf_location")

	rr = srv.do(t, verifier, http.MethodPost, "/api/stock-takes/3/counts",
		`{"shelf_location":"A1","item_id":101,"unit_name":"PACKET","quantity":"2"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandlerCountRequiresQuantity(t *testing.T) {
	called := false
	svc := &stubService{recordFn: func(ctx context.Context, actor rbac.Actor, in RecordCountInput) (Count, error) {
		called = true
		return Count{ID: 1}, nil
	}}
	srv := newTestServer(t, svc)

	rr := srv.do(t, counterA, http.MethodPost, "/api/stock-takes/3/counts",
		`{"shelf_location":"A1","item_id":101,"unit_name":"PACKET"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), "quantity")

	rr = srv.do(t, counterA, http.MethodPost, "/api/stock-takes/3/counts",
		`{"shelf_location":"A1","item_id":101,"unit_name":"PACKET","quantity":null}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.False(t, called)

	rr = srv.do(t, counterA, http.MethodPut, "/api/stock-takes/3/counts/9", `{"unit_name":"PACKET"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "quantity")

	rr = srv.do(t, counterA, http.MethodPost, "/api/stock-takes/3/counts",
		`{"shelf_location":"A1","item_id":101,"unit_name":"PACKET","quantity":"0"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.True(t, called)
}

func TestHandlerRejectShelf(t *testing.T) {
	svc := &stubService{rejectFn: func(ctx context.Context, actor rbac.Actor, sessionID int64, location, reason string) (ShelfSummary, error) {
		assert.Equal(t, "wrong batch", reason)
		return ShelfSummary{Location: location, Status: StatusRejected, Rejected: 2}, nil
	}}
	srv := newTestServer(t, svc)

	rr := srv.do(t, verifier, http.MethodPost, "/api/stock-takes/3/shelves/reject", `{"shelf_location":"A1","reason":"wrong batch"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"status":"REJECTED"`)
}

func TestHandlerCompleteErrors(t *testing.T) {
	svc := &stubService{completeFn: func(ctx context.Context, actor rbac.Actor, sessionID int64) (CompletionResult, error) {
		switch sessionID {
		case 1:
			return CompletionResult{}, &UnresolvedShelvesError{Shelves: []string{"C3"}}
		case 2:
			return CompletionResult{}, &ReconciliationError{Failed: []AdjustmentFailure{{ItemID: 103, Reason: "insert failed"}}}
		case 3:
			return CompletionResult{}, ErrSessionNotFound
		}
		return CompletionResult{Session: Session{ID: sessionID, Status: SessionCompleted}}, nil
	}}
	srv := newTestServer(t, svc)

	rr := srv.do(t, admin, http.MethodPost, "/api/stock-takes/1/complete", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), `"shelves":["C3"]`)

	rr = srv.do(t, admin, http.MethodPost, "/api/stock-takes/2/complete", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), `"item_id":103`)

	rr = srv.do(t, admin, http.MethodPost, "/api/stock-takes/3/complete", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = srv.do(t, admin, http.MethodPost, "/api/stock-takes/4/complete", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"COMPLETED"`)
}

func TestHandlerSessionDetail(t *testing.T) {
	svc := &stubService{
		getFn: func(ctx context.Context, id int64) (Session, error) {
			return Session{ID: id, BranchID: 7, Status: SessionActive}, nil
		},
		listShelvesFn: func(ctx context.Context, sessionID int64) ([]ShelfSummary, error) {
			return []ShelfSummary{{Location: "A1", Status: StatusPending, CountTotal: 1, Pending: 1}}, nil
		},
		listCountsFn: func(ctx context.Context, filter CountFilter) ([]Count, error) {
			return []Count{{ID: 9, SessionID: filter.SessionID, ShelfLocation: "A1"}}, nil
		},
	}
	srv := newTestServer(t, svc)

	rr := srv.do(t, counterA, http.MethodGet, "/api/stock-takes/4", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body struct {
		Session Session        `json:"session"`
		Shelves []ShelfSummary `json:"shelves"`
		Counts  []Count        `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, int64(4), body.Session.ID)
	require.Len(t, body.Shelves, 1)
	require.Len(t, body.Counts, 1)

	svc.getFn = func(ctx context.Context, id int64) (Session, error) { return Session{}, ErrSessionNotFound }
	rr = srv.do(t, counterA, http.MethodGet, "/api/stock-takes/4", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

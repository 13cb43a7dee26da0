package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/service"
	"shopcore/backend/internal/store"
	"shopcore/backend/internal/store/memory"
	"shopcore/backend/internal/xid"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) http.Handler {
	t.Helper()

	shop := xid.New()
	docs := memory.NewSeeded(shop)
	svc := service.New(docs, nil, nil, service.Options{DefaultShop: shop})
	auth := NewAuthManager("test-secret-key-test-secret-key!", time.Hour, svc)

	return New(svc, auth, "*").Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d (body: %s)", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.AccessToken
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Count   *int64          `json:"count"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestHandleHealth(t *testing.T) {
	handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if env := decodeEnvelope(t, rec); env.Success || env.Message != "invalid credentials" {
		t.Fatalf("unexpected error envelope %+v", env)
	}
}

func TestHandleLogin_RateLimit(t *testing.T) {
	handler := newTestAPI(t)

	// httptest requests all come from 192.0.2.1; the limiter allows 5 a minute.
	var last int
	for i := 0; i < 6; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"username": "admin",
			"password": "badpass",
		})
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on 6th attempt, got %d", last)
	}
}

func TestRequireAuth(t *testing.T) {
	handler := newTestAPI(t)

	if rec := doJSON(t, handler, http.MethodPost, "/api/v1/entities/products/list", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := doJSON(t, handler, http.MethodPost, "/api/v1/entities/products/list", "not-a-jwt", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", rec.Code)
	}

	cashier := login(t, handler, "cashier", "cashier123")
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", cashier, map[string]any{"name": "X"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier creating product, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/entities/products/archive", cashier, map[string]any{"ids": []string{xid.New()}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier archiving, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestSaleFlowOverHTTP(t *testing.T) {
	handler := newTestAPI(t)
	admin := login(t, handler, "admin", "admin123")
	cashier := login(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", admin, map[string]any{
		"name":            "Phone Case",
		"purchasePrice":   50,
		"salePrice":       100,
		"initialQuantity": 10,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create product: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var product domain.Product
	if err := json.Unmarshal(decodeEnvelope(t, rec).Data, &product); err != nil {
		t.Fatalf("decode product: %v", err)
	}

	sale := map[string]any{
		"items": []map[string]any{{"product": product.ID, "soldQuantity": 2}},
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewReader(mustJSON(t, sale)))
	req.Header.Set("Authorization", "Bearer "+cashier)
	req.Header.Set("Idempotency-Key", "till-1-0001")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("sale: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var result domain.TransactionResult
	if err := json.Unmarshal(decodeEnvelope(t, rec).Data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.InvoiceNo != "0001" || result.GrandTotal.String() != "200" {
		t.Fatalf("unexpected sale result %+v", result)
	}

	replay := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewReader(mustJSON(t, sale)))
	replay.Header.Set("Authorization", "Bearer "+cashier)
	replay.Header.Set("Idempotency-Key", "till-1-0001")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, replay)
	if rec.Code != http.StatusOK {
		t.Fatalf("replayed sale: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/entities/products/list", cashier, map[string]any{
		"filter": map[string]any{"_id": product.ID},
		"select": map[string]int{"quantity": 1},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	var rows []map[string]any
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if env.Count == nil || *env.Count != 1 || len(rows) != 1 || rows[0]["quantity"] != float64(8) {
		t.Fatalf("expected one product with quantity 8, got count=%v rows=%v", env.Count, rows)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/entities/transactions/list", cashier, nil)
	if env := decodeEnvelope(t, rec); env.Count == nil || *env.Count != 1 {
		t.Fatalf("expected a single transaction, got %+v", env)
	}
}

func TestArchiveAndRestoreOverHTTP(t *testing.T) {
	handler := newTestAPI(t)
	admin := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/vendors", admin, map[string]any{"name": "Acme"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create vendor: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var vendor domain.Vendor
	if err := json.Unmarshal(decodeEnvelope(t, rec).Data, &vendor); err != nil {
		t.Fatalf("decode vendor: %v", err)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/entities/vendors/archive", admin, map[string]any{"ids": []string{vendor.ID}})
	if rec.Code != http.StatusOK {
		t.Fatalf("archive: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if env := decodeEnvelope(t, rec); env.Message != "1 vendors archived" {
		t.Fatalf("unexpected archive message %q", env.Message)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/entities/vendors-logs/list", admin, nil)
	if env := decodeEnvelope(t, rec); env.Count == nil || *env.Count != 1 {
		t.Fatalf("expected archived vendor in log listing, got %+v", env)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/entities/vendors/restore", admin, map[string]any{"ids": []string{vendor.ID}})
	if env := decodeEnvelope(t, rec); rec.Code != http.StatusOK || env.Message != "1 vendors restored" {
		t.Fatalf("restore: got %d %+v", rec.Code, env)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/entities/vendors/archive", admin, map[string]any{"ids": []string{xid.New()}})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("archive of unknown id: expected 404, got %d", rec.Code)
	}
}

func TestHandlerErrorStatuses(t *testing.T) {
	handler := newTestAPI(t)
	admin := login(t, handler, "admin", "admin123")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown entity", http.MethodPost, "/api/v1/entities/widgets/list", nil, http.StatusNotFound},
		{"unknown action", http.MethodPost, "/api/v1/entities/products/purge", nil, http.StatusNotFound},
		{"bad page size", http.MethodPost, "/api/v1/entities/products/list", map[string]any{"pagination": map[string]any{"pageSize": 0, "currentPage": 1}}, http.StatusBadRequest},
		{"unknown body field", http.MethodPost, "/api/v1/entities/products/list", map[string]any{"where": 1}, http.StatusBadRequest},
		{"empty sale", http.MethodPost, "/api/v1/sales", map[string]any{"items": []any{}}, http.StatusBadRequest},
		{"sale of missing product", http.MethodPost, "/api/v1/sales", map[string]any{"items": []map[string]any{{"product": xid.New(), "soldQuantity": 1}}}, http.StatusNotFound},
		{"purchase without vendor", http.MethodPost, "/api/v1/purchases", map[string]any{"items": []map[string]any{{"product": xid.New(), "quantity": 1}}}, http.StatusUnprocessableEntity},
		{"method not allowed", http.MethodGet, "/api/v1/sales", nil, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		rec := doJSON(t, handler, tc.method, tc.path, admin, tc.body)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d (body: %s)", tc.name, tc.want, rec.Code, rec.Body.String())
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		store.ErrValidation:                          http.StatusBadRequest,
		store.ErrNotFound:                            http.StatusNotFound,
		store.ErrConflict:                            http.StatusConflict,
		store.ErrBusinessRule:                        http.StatusUnprocessableEntity,
		store.ErrUpstream:                            http.StatusBadGateway,
		service.ErrForbidden:                         http.StatusForbidden,
		fmt.Errorf("wrap: %w", store.ErrNotFound):    http.StatusNotFound,
		errors.New("disk on fire"):                   http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}

func TestUsersEndpoint(t *testing.T) {
	handler := newTestAPI(t)
	admin := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/users", admin, map[string]any{
		"username": "kasir02",
		"password": "rahasia1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	login(t, handler, "kasir02", "rahasia1")

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/users", admin, nil)
	env := decodeEnvelope(t, rec)
	if env.Count == nil || *env.Count != 3 {
		t.Fatalf("expected 3 users in shop, got %+v", env)
	}
	if bytes.Contains(env.Data, []byte("password")) {
		t.Fatalf("user listing must not expose password hashes")
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return payload
}

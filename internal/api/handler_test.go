//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/rentdesk/internal/config"
	"github.com/ashureev/rentdesk/internal/console"
	"github.com/ashureev/rentdesk/internal/domain"
	"github.com/ashureev/rentdesk/internal/identity"
	"github.com/ashureev/rentdesk/internal/remote"
	"github.com/ashureev/rentdesk/internal/store"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestErrorFrom(t *testing.T) {
	tests := []struct {
		err  error
		want int
		msg  string
	}{
		{fmt.Errorf("%w: no token", errdefs.ErrUnauthenticated), http.StatusUnauthorized, "unauthorized: no token"},
		{fmt.Errorf("%w: bad", errdefs.ErrInvalidArgument), http.StatusBadRequest, "invalid argument: bad"},
		{fmt.Errorf("%w: down", errdefs.ErrUnavailable), http.StatusServiceUnavailable, "unavailable: down"},
		{errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		ErrorFrom(w, tt.err)
		if w.Code != tt.want {
			t.Errorf("ErrorFrom(%v) status = %d, want %d", tt.err, w.Code, tt.want)
		}
		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["error"] != tt.msg {
			t.Errorf("ErrorFrom(%v) message = %q, want %q", tt.err, body["error"], tt.msg)
		}
	}
}

type fakeConsole struct {
	mu        sync.Mutex
	wallets   []string
	verifyErr error
	uploaded  string
	block     chan struct{}
}

func (f *fakeConsole) Preview(wallet string) domain.PaymentRequest {
	return domain.PaymentRequest{Reference: "preview-abc123", To: "DemoReceiver1", Amount: 0.01, Currency: "SOL", Message: "Rental for " + wallet}
}

func (f *fakeConsole) CreatePayment(_ context.Context, wallet string) (*domain.PaymentRequest, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.wallets = append(f.wallets, wallet)
	f.mu.Unlock()
	return &domain.PaymentRequest{Reference: "ref-1", To: "DemoReceiver1", Amount: 0.01, Currency: "SOL", Message: "Rental for " + wallet}, nil
}

func (f *fakeConsole) Verify(context.Context, string) (*remote.Verification, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return &remote.Verification{Status: "ok", Token: "tok"}, nil
}

func (f *fakeConsole) Upload(_ context.Context, filename string, r io.Reader) (*remote.UploadResult, error) {
	if r == nil {
		return nil, console.ErrNoFile
	}
	body, _ := io.ReadAll(r)
	f.mu.Lock()
	f.uploaded = filename + ":" + string(body)
	f.mu.Unlock()
	return &remote.UploadResult{Status: "ok", File: filename}, nil
}

func (f *fakeConsole) View() console.View {
	return console.View{Status: console.Status{Text: "Idle", Color: console.ColorMuted}}
}

type testEnv struct {
	repo    store.Repository
	console *fakeConsole
	router  http.Handler

	// openErr, when set, is returned instead of the console.
	openErr error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	now := time.Now()
	user := &domain.User{
		UserID: "user123", Username: "anon-user", Wallet: "w-1", LastSeenAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := repo.UpsertUser(context.Background(), user); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	fc := &fakeConsole{}
	cfg := &config.Config{Rental: config.RentalConfig{
		Duration: time.Hour, Hours: 1, Amount: 0.01, Currency: "SOL", Receiver: "DemoReceiver1", MaxUploadBytes: 1024,
	}}
	env := &testEnv{repo: repo, console: fc}
	h := NewRentalHandler(NewHandler(repo, func(context.Context, string) (Console, error) {
		if env.openErr != nil {
			return nil, env.openErr
		}
		return fc, nil
	}), cfg)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := identity.WithIdentity(req.Context(), identity.Identity{User: user, SessionID: "tab-1"})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	h.RegisterRoutes(r)
	env.router = r
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestRentalHandler_GetMe(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/me", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["user_id"] != "user123" || body["wallet"] != "w-1" || body["session_id"] != "tab-1" {
		t.Errorf("body = %v", body)
	}
}

func TestRentalHandler_GetConfig(t *testing.T) {
	env := newTestEnv(t)
	body := decode(t, env.do(t, http.MethodGet, "/api/config", nil, ""))
	if body["receiver"] != "DemoReceiver1" || body["rental_seconds"] != float64(3600) || body["default_wallet"] != "demo-wallet" {
		t.Errorf("body = %v", body)
	}
}

func TestRentalHandler_Preview(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/preview", bytes.NewBufferString(`{"wallet":"abc"}`), "application/json")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	rendered, _ := body["rendered"].(string)
	var p domain.PaymentRequest
	if err := json.Unmarshal([]byte(rendered), &p); err != nil {
		t.Fatalf("rendered is not JSON: %v", err)
	}
	if p.Message != "Rental for abc" {
		t.Errorf("message = %q", p.Message)
	}
}

func TestRentalHandler_MalformedBody(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/payments", bytes.NewBufferString(`{"wallet":`), "application/json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRentalHandler_CreatePayment(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/payments", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if body := decode(t, w); body["reference"] != "ref-1" {
		t.Errorf("body = %v", body)
	}
}

func TestRentalHandler_ConcurrentActionRejected(t *testing.T) {
	env := newTestEnv(t)
	env.console.block = make(chan struct{})

	done := make(chan int, 1)
	go func() {
		done <- env.do(t, http.MethodPost, "/api/payments", nil, "").Code
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, held := actionLocks.Load("user123"); held {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first request never took the lock")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if w := env.do(t, http.MethodPost, "/api/verify", nil, ""); w.Code != http.StatusConflict {
		t.Errorf("second action status = %d, want 409", w.Code)
	}

	close(env.console.block)
	if code := <-done; code != http.StatusOK {
		t.Errorf("first action status = %d", code)
	}
}

func TestRentalHandler_Verify(t *testing.T) {
	env := newTestEnv(t)
	body := decode(t, env.do(t, http.MethodPost, "/api/verify", bytes.NewBufferString(`{"wallet":"w"}`), "application/json"))
	if body["token"] != "tok" {
		t.Errorf("body = %v", body)
	}

	env.console.verifyErr = console.ErrNotVerified
	if w := env.do(t, http.MethodPost, "/api/verify", nil, ""); w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestRentalHandler_Upload(t *testing.T) {
	env := newTestEnv(t)

	body, ct := multipartBody(t, "file", "doc.txt", "hello")
	w := env.do(t, http.MethodPost, "/api/upload", body, ct)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if env.console.uploaded != "doc.txt:hello" {
		t.Errorf("uploaded = %q", env.console.uploaded)
	}

	body, ct = multipartBody(t, "", "", "")
	if w := env.do(t, http.MethodPost, "/api/upload", body, ct); w.Code != http.StatusBadRequest {
		t.Errorf("missing file status = %d, want 400", w.Code)
	}

	body, ct = multipartBody(t, "file", "big.bin", string(make([]byte, 4096)))
	if w := env.do(t, http.MethodPost, "/api/upload", body, ct); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversize status = %d, want 413", w.Code)
	}
}

func TestRentalHandler_History(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()

	if err := env.repo.CreatePayment(ctx, &domain.Payment{
		ID: "p1", UserID: "user123", Wallet: "w-1", CreatedAt: now,
		Request: domain.PaymentRequest{Reference: "ref-1", To: "DemoReceiver1", Amount: 0.01, Currency: "SOL", Message: "Rental for w-1"},
	}); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if err := env.repo.CreateRental(ctx, &domain.Rental{
		ID: "r1", UserID: "user123", Wallet: "w-1", Token: "secret-token", Duration: time.Hour,
		StartedAt: now, EndsAt: now.Add(time.Hour), Status: domain.RentalActive,
	}); err != nil {
		t.Fatalf("CreateRental: %v", err)
	}

	payments := decode(t, env.do(t, http.MethodGet, "/api/payments", nil, ""))
	if list, _ := payments["payments"].([]interface{}); len(list) != 1 {
		t.Errorf("payments = %v", payments)
	}

	w := env.do(t, http.MethodGet, "/api/rentals", nil, "")
	if bytes.Contains(w.Body.Bytes(), []byte("secret-token")) {
		t.Error("rental listing leaked the token")
	}
	rentals := decode(t, w)
	if list, _ := rentals["rentals"].([]interface{}); len(list) != 1 {
		t.Errorf("rentals = %v", rentals)
	}

	view := decode(t, env.do(t, http.MethodGet, "/api/rental", nil, ""))
	if status, _ := view["status"].(map[string]interface{}); status["text"] != "Idle" {
		t.Errorf("view = %v", view)
	}
}

func TestLockAction_Exclusive(t *testing.T) {
	const userID = "lock-user"

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		holders  int
		maxHeld  int
		acquired int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				unlock, ok := lockAction(userID)
				if !ok {
					continue
				}
				mu.Lock()
				holders++
				acquired++
				if holders > maxHeld {
					maxHeld = holders
				}
				mu.Unlock()

				mu.Lock()
				holders--
				mu.Unlock()
				unlock()
			}
		}()
	}
	wg.Wait()

	if maxHeld != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxHeld)
	}
	if acquired == 0 {
		t.Error("lock never acquired")
	}

	unlock, ok := lockAction(userID)
	if !ok {
		t.Fatal("lock still held after every holder released")
	}
	if _, again := lockAction(userID); again {
		t.Error("second acquire succeeded while held")
	}
	unlock()
	unlock()
	if _, held := actionLocks.Load(userID); held {
		t.Error("lock entry left behind")
	}
}

func TestRentalHandler_ConsoleUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.openErr = fmt.Errorf("%w: shutting down", errdefs.ErrUnavailable)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/rental"},
		{http.MethodPost, "/api/payments"},
		{http.MethodPost, "/api/verify"},
	} {
		if w := env.do(t, tc.method, tc.path, nil, ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s status = %d, want 503", tc.method, tc.path, w.Code)
		}
	}
	if _, held := actionLocks.Load("user123"); held {
		t.Error("action lock left held after a failed open")
	}
}

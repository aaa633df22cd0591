package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/rentdesk/internal/console"
	"github.com/ashureev/rentdesk/internal/domain"
	"github.com/ashureev/rentdesk/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/containerd/errdefs"
)

func TestHub_RegisterPublish(t *testing.T) {
	h := New(nil)
	tab1 := newClient("user123", "tab-1")
	tab2 := newClient("user123", "tab-2")
	other := newClient("user456", "tab-1")

	h.Register(tab1)
	h.Register(tab2)
	h.Register(other)

	h.Publish("user123", console.Update{Type: console.UpdateLog, Message: "hi"})

	for _, c := range []*client{tab1, tab2} {
		select {
		case u := <-c.send:
			if u.Message != "hi" {
				t.Errorf("%s got %+v", c.sessionID, u)
			}
		default:
			t.Errorf("%s got nothing", c.sessionID)
		}
	}
	select {
	case u := <-other.send:
		t.Errorf("other user got %+v", u)
	default:
	}

	if h.Tabs("user123") != 2 {
		t.Errorf("Tabs = %d, want 2", h.Tabs("user123"))
	}
}

func TestHub_RegisterReplacesTab(t *testing.T) {
	h := New(nil)
	first := newClient("user123", "tab-1")
	second := newClient("user123", "tab-1")

	h.Register(first)
	h.Register(second)

	select {
	case <-first.done:
	default:
		t.Error("replaced tab not closed")
	}

	// A stale unregister must not remove the replacement.
	h.Unregister(first)
	if h.Tabs("user123") != 1 {
		t.Errorf("Tabs = %d, want 1", h.Tabs("user123"))
	}

	h.Unregister(second)
	if h.Tabs("user123") != 0 {
		t.Errorf("Tabs = %d, want 0", h.Tabs("user123"))
	}
}

func TestHub_SlowTabDoesNotBlock(t *testing.T) {
	h := New(nil)
	c := newClient("user123", "tab-1")
	h.Register(c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*2; i++ {
			h.Publish("user123", console.Update{Type: console.UpdateLog, Message: strconv.Itoa(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	if len(c.send) != sendBuffer {
		t.Errorf("queued = %d, want %d", len(c.send), sendBuffer)
	}
}

func TestHub_CloseUser(t *testing.T) {
	h := New(nil)
	c := newClient("user123", "tab-1")
	h.Register(c)
	h.CloseUser("user123")

	if c.enqueue(console.Update{Type: console.UpdateLog}) {
		t.Error("closed tab accepted an update")
	}
	if h.Tabs("user123") != 0 {
		t.Errorf("Tabs = %d, want 0", h.Tabs("user123"))
	}
}

func TestHub_ConcurrentAccess(t *testing.T) {
	h := New(nil)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			c := newClient("concurrentUser", "tab-"+strconv.Itoa(i))
			h.Register(c)
			h.Unregister(c)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			h.Publish("concurrentUser", console.Update{Type: console.UpdateLog})
		}
	}()

	wg.Wait()
}

type fakeSession struct {
	mu      sync.Mutex
	wallets []string

	// onReplay runs while the replay is being taken.
	onReplay func()
}

func (f *fakeSession) Replay() []console.Update {
	if f.onReplay != nil {
		f.onReplay()
	}
	return []console.Update{{Type: console.UpdateStatus, Status: &console.Status{Text: "Idle", Color: console.ColorMuted}}}
}

func (f *fakeSession) Preview(wallet string) domain.PaymentRequest {
	f.mu.Lock()
	f.wallets = append(f.wallets, wallet)
	f.mu.Unlock()
	return domain.PaymentRequest{Message: "Rental for " + wallet}
}

func (f *fakeSession) previewed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.wallets...)
}

func newTestServer(t *testing.T, h *Hub, sess Session) *httptest.Server {
	t.Helper()
	handler := NewHandler(h, func(context.Context, string) (Session, error) { return sess, nil }, nil, "", true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := identity.NewContext(r.Context(), "user123", r.URL.Query().Get("session_id"))
		handler.ServeHTTP(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/console?session_id=" + sessionID
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) console.Update {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var u console.Update
	if err := wsjson.Read(ctx, conn, &u); err != nil {
		t.Fatalf("read: %v", err)
	}
	return u
}

func waitTabs(t *testing.T, h *Hub, userID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Tabs(userID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("Tabs = %d, want %d", h.Tabs(userID), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_ReplayPingPreview(t *testing.T) {
	h := New(nil)
	sess := &fakeSession{}
	srv := newTestServer(t, h, sess)
	conn := dial(t, srv, "tab-1")

	if u := read(t, conn); u.Type != console.UpdateStatus || u.Status.Text != "Idle" {
		t.Fatalf("replay = %+v", u)
	}
	waitTabs(t, h, "user123", 1)

	ctx := context.Background()
	if err := wsjson.Write(ctx, conn, map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if u := read(t, conn); u.Type != TypePong {
		t.Fatalf("got %+v, want pong", u)
	}

	h.Publish("user123", console.Update{Type: console.UpdateLog, Message: "[12:00:00] hello"})
	if u := read(t, conn); u.Message != "[12:00:00] hello" {
		t.Fatalf("got %+v", u)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := wsjson.Write(ctx, conn, map[string]string{"type": "preview", "wallet": "w-1"}); err != nil {
		t.Fatalf("write preview: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(sess.previewed()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("preview never reached the console")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := sess.previewed(); got[0] != "w-1" {
		t.Errorf("previewed = %v", got)
	}
}

func TestHandler_UpdateDuringReplayDelivered(t *testing.T) {
	h := New(nil)
	sess := &fakeSession{}
	sess.onReplay = func() {
		h.Publish("user123", console.Update{Type: console.UpdateLog, Message: "[12:00:01] during replay"})
	}
	srv := newTestServer(t, h, sess)
	conn := dial(t, srv, "tab-1")

	if u := read(t, conn); u.Type != console.UpdateStatus {
		t.Fatalf("first update = %+v, want replayed status", u)
	}
	if u := read(t, conn); u.Message != "[12:00:01] during replay" {
		t.Fatalf("second update = %+v, want the concurrent log line", u)
	}
}

func TestHandler_SameTabReplaced(t *testing.T) {
	h := New(nil)
	srv := newTestServer(t, h, &fakeSession{})

	first := dial(t, srv, "tab-1")
	read(t, first)
	waitTabs(t, h, "user123", 1)

	second := dial(t, srv, "tab-1")
	read(t, second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var u console.Update
	if err := wsjson.Read(ctx, first, &u); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("first tab read = %v, want normal closure", err)
	}
	waitTabs(t, h, "user123", 1)
}

func TestHandler_OriginRejected(t *testing.T) {
	handler := NewHandler(New(nil), func(context.Context, string) (Session, error) { return &fakeSession{}, nil }, nil, "https://app.test", false)

	req := httptest.NewRequest(http.MethodGet, "/ws/console", nil)
	req.Header.Set("Origin", "https://evil.test")
	req = req.WithContext(identity.NewContext(req.Context(), "user123", "tab-1"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestHandler_ConsoleUnavailable(t *testing.T) {
	open := func(context.Context, string) (Session, error) {
		return nil, fmt.Errorf("%w: shutting down", errdefs.ErrUnavailable)
	}
	handler := NewHandler(New(nil), open, nil, "", true)

	req := httptest.NewRequest(http.MethodGet, "/ws/console", nil)
	req = req.WithContext(identity.NewContext(req.Context(), "user123", "tab-1"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

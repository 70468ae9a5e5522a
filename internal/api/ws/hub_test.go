package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/your-org/gatepass/internal/models"
	"github.com/your-org/gatepass/internal/notify"
	"github.com/your-org/gatepass/internal/storage/mock"
	"github.com/your-org/gatepass/pkg/dto"
)

func startHub(t *testing.T) (*Hub, *notify.Notifier, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	n := notify.NewNotifier(mock.NewStore(), nil)
	hub := NewHub(n)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, n, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) dto.ChangeEvent {
	t.Helper()
	var ev dto.ChangeEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func waitClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_ReplayThenLive(t *testing.T) {
	hub, n, srv := startHub(t)
	ctx := context.Background()

	first, second, third := uuid.New(), uuid.New(), uuid.New()
	n.Publish(ctx, first, models.ChangePersonCreated)
	n.Publish(ctx, second, models.ChangePersonReconciled)

	events, _, err := n.Since(ctx, notify.Cursor{}, 1)
	if err != nil || len(events) != 1 {
		t.Fatalf("Since: %v %v", events, err)
	}
	conn := dial(t, srv, "?cursor="+notify.CursorOf(events[0]).String())

	got := readEvent(t, conn)
	if got.PersonID != second || got.ChangeKind != string(models.ChangePersonReconciled) {
		t.Fatalf("replayed = %+v, want %s", got, second)
	}

	waitClients(t, hub, 1)
	hub.BroadcastChange(&models.ChangeEvent{Seq: 3, PersonID: third, Kind: models.ChangePersonVisited, OccurredAt: time.Now()})

	got = readEvent(t, conn)
	if got.PersonID != third || got.Cursor == "" {
		t.Errorf("live = %+v, want %s", got, third)
	}
}

func TestHub_NoCursorIsLiveOnly(t *testing.T) {
	hub, n, srv := startHub(t)
	n.Publish(context.Background(), uuid.New(), models.ChangePersonCreated)

	conn := dial(t, srv, "")
	waitClients(t, hub, 1)

	live := uuid.New()
	hub.BroadcastChange(&models.ChangeEvent{Seq: 9, PersonID: live, Kind: models.ChangePersonBlocked, OccurredAt: time.Now()})

	if got := readEvent(t, conn); got.PersonID != live {
		t.Errorf("first message = %+v, want live event for %s", got, live)
	}
}

func TestHub_Disconnect(t *testing.T) {
	hub, _, srv := startHub(t)
	conn := dial(t, srv, "")
	waitClients(t, hub, 1)

	conn.Close()
	waitClients(t, hub, 0)
}

func TestHandleWS_InvalidCursor(t *testing.T) {
	_, _, srv := startHub(t)

	resp, err := http.Get(srv.URL + "/ws?cursor=nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

package livestream

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func box(tag, payload string) []byte {
	b := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(b, uint32(len(b)))
	copy(b[4:8], tag)
	copy(b[8:], payload)
	return b
}

// Serves one websocket session: sends messages, then holds or drops the
// connection.
func newServer(t *testing.T, messages [][]byte, drop bool) (*httptest.Server, chan *http.Request) {
	requests := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := new(websocket.Upgrader).Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		requests <- r

		for _, m := range messages {
			if err := ws.WriteMessage(websocket.BinaryMessage, m); err != nil {
				return
			}
		}
		if drop {
			return
		}
		// Wait for the client to hang up.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv, requests
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/livestream"
}

func TestClientSegments(t *testing.T) {
	init := append(box("ftyp", "iso5"), box("moov", "trak")...)
	media := append(box("moof", "1"), box("mdat", "frame")...)

	// Split the media segment across two websocket messages.
	srv, requests := newServer(t, [][]byte{init, media[:10], media[10:]}, false)
	defer srv.Close()

	c := NewClient(wsURL(srv), http.Header{"Cookie": {"TOKEN=abc"}}, false, "Porch")

	var mu sync.Mutex
	var got [][]byte
	detach := c.Segments().Attach(func(p []byte) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})
	defer detach()

	require.NoError(t, c.Start(context.Background(), "cam-1", 2, 200*time.Millisecond))
	defer c.Stop()

	r := <-requests
	assert.Equal(t, "cam-1", r.URL.Query().Get("camera"))
	assert.Equal(t, "2", r.URL.Query().Get("channel"))
	assert.Equal(t, "200", r.URL.Query().Get("fragmentDurationMillis"))
	assert.NotEmpty(t, r.URL.Query().Get("requestId"))
	assert.Equal(t, "TOKEN=abc", r.Header.Get("Cookie"))

	assert.Equal(t, init, c.GetInitSegment(context.Background()))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, init, got[0])
	assert.Equal(t, media, got[1])
	mu.Unlock()
}

func TestClientClosedByServer(t *testing.T) {
	srv, _ := newServer(t, nil, true)
	defer srv.Close()

	c := NewClient(wsURL(srv), nil, false, "Porch")
	require.NoError(t, c.Start(context.Background(), "cam-1", 0, time.Second))

	closed := c.Closed()
	select {
	case <-closed.Done():
		assert.Error(t, closed.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("close signal never fired")
	}
	assert.Nil(t, c.InitSegment())
}

func TestClientStop(t *testing.T) {
	srv, _ := newServer(t, nil, false)
	defer srv.Close()

	c := NewClient(wsURL(srv), nil, false, "Porch")
	require.NoError(t, c.Start(context.Background(), "cam-1", 0, time.Second))
	closed := c.Closed()
	c.Stop()

	select {
	case <-closed.Done():
		assert.NoError(t, closed.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("close signal never fired")
	}
}

func TestClientStartFailure(t *testing.T) {
	c := NewClient("", nil, false, "Porch")
	assert.Error(t, c.Start(context.Background(), "cam-1", 0, time.Second))

	c = NewClient("ws://127.0.0.1:1/ws", nil, false, "Porch")
	assert.Error(t, c.Start(context.Background(), "cam-1", 0, time.Second))
}

package offline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
)

type transitions struct {
	mu  sync.Mutex
	got []bool
}

func (tr *transitions) record(online bool) {
	tr.mu.Lock()
	tr.got = append(tr.got, online)
	tr.mu.Unlock()
}

func (tr *transitions) Got() []bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]bool(nil), tr.got...)
}

func TestManualConnectivity(t *testing.T) {
	c := NewManualConnectivity(false)
	var tr transitions
	unsubscribe := c.Subscribe(tr.record)

	c.SetOnline(false) // no change, no event
	c.SetOnline(true)
	c.SetOnline(true)
	c.SetOnline(false)
	assert.Equal(t, []bool{true, false}, tr.Got())
	assert.False(t, c.Online())

	unsubscribe()
	unsubscribe()
	c.SetOnline(true)
	assert.Len(t, tr.Got(), 2)
	assert.True(t, c.Online())
}

func TestWSConnectivityReconnects(t *testing.T) {
	var conns atomic.Int32
	kick := make(chan struct{})
	var gotAuth atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		ctx := r.Context()
		if n == 1 {
			// the first connection is dropped on demand
			go func() {
				<-kick
				c.Close(websocket.StatusGoingAway, "restart")
			}()
		}
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ws := NewWSConnectivity(WSConfig{
		URL:                srv.URL,
		Token:              "sk-test",
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		Logger:             zaptest.NewLogger(t),
	})
	var tr transitions
	ws.Subscribe(tr.record)

	ws.Start(context.Background())
	require.Eventually(t, ws.Online, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Bearer sk-test", gotAuth.Load())

	close(kick)
	require.Eventually(t, func() bool {
		return conns.Load() >= 2 && ws.Online()
	}, 2*time.Second, 5*time.Millisecond)

	ws.Stop()
	assert.False(t, ws.Online())
	assert.Equal(t, StateDisconnected, ws.State())
	assert.Equal(t, []bool{true, false, true, false}, tr.Got())
}

func TestWSConnectivityGivesUp(t *testing.T) {
	ws := NewWSConnectivity(WSConfig{
		URL:                  "http://127.0.0.1:1",
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    2 * time.Millisecond,
	})
	var tr transitions
	ws.Subscribe(tr.record)

	ws.Start(context.Background())
	ws.mu.Lock()
	done := ws.done
	ws.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect loop did not give up")
	}
	assert.Equal(t, 2, ws.recon.attempt)
	assert.Equal(t, StateDisconnected, ws.State())
	assert.Empty(t, tr.Got())
	ws.Stop()
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&WSConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 5,
	})

	prev := time.Duration(0)
	for i := 0; i < 5; i++ {
		require.True(t, r.shouldReconnect())
		d := r.nextDelay()
		assert.LessOrEqual(t, d, time.Second)
		assert.GreaterOrEqual(t, d, prev/2)
		prev = d
	}
	assert.False(t, r.shouldReconnect())

	// a long-lived link resets the attempt counter
	r.connectedAt = time.Now().Add(-2 * time.Minute)
	r.nextDelay()
	assert.Equal(t, 1, r.attempt)
}

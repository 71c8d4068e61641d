package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomsync/roomsync.go/pkg/actor"
	"github.com/roomsync/roomsync.go/pkg/auth"
	"github.com/roomsync/roomsync.go/pkg/errs"
	"github.com/roomsync/roomsync.go/pkg/models"
	"github.com/roomsync/roomsync.go/pkg/ops"
	"github.com/roomsync/roomsync.go/pkg/presence"
	"github.com/roomsync/roomsync.go/pkg/protocol"
	"github.com/roomsync/roomsync.go/pkg/server"
	"github.com/roomsync/roomsync.go/pkg/store/memstore"
)

type testEnv struct {
	http   *httptest.Server
	signer *auth.Signer
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	signer, err := auth.NewSigner([]byte("test-secret"))
	require.NoError(t, err)
	registry := actor.NewRegistry(actor.RegistryConfig{Store: memstore.New(), Presence: presence.NewTracker()})
	srv := server.New(server.Config{Registry: registry, Signer: signer})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		registry.Close()
		ts.Close()
	})
	return &testEnv{http: ts, signer: signer}
}

func (e *testEnv) token(t *testing.T, user, property, device string) string {
	t.Helper()
	token, err := e.signer.Issue(auth.Identity{UserID: user, PropertyID: property, DeviceID: device})
	require.NoError(t, err)
	return token
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + path
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(e.wsURL(path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, msg protocol.ClientMessage) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, data))
}

func read(t *testing.T, c *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeServer(data)
	require.NoError(t, err)
	return *msg
}

func TestSyncRoundTrip(t *testing.T) {
	env := newEnv(t)
	phone := env.dial(t, "/sync?token="+env.token(t, "u1", "prop-1", "phone"))
	send(t, phone, protocol.Ping())
	welcome := read(t, phone)
	require.Equal(t, protocol.TypeRoomUpdate, welcome.Type)
	room := *welcome.Data

	headset := env.dial(t, "/properties/prop-1/sync?token="+env.token(t, "u1", "prop-1", "headset"))
	send(t, headset, protocol.Ping())
	assert.Equal(t, protocol.TypeRoomUpdate, read(t, headset).Type)
	assert.Equal(t, protocol.TypeDeviceConnected, read(t, headset).Type)
	joined := read(t, phone)
	assert.Equal(t, protocol.TypeDeviceConnected, joined.Type)
	assert.Equal(t, "headset", joined.DeviceID)

	var layoutID string
	for id := range room.Layouts {
		layoutID = id
	}
	op := ops.AddFurniture{
		Meta:      ops.NewMeta(room.ID),
		LayoutID:  layoutID,
		Furniture: models.FurniturePlacement{ID: "fp-1", FurnitureID: "sofa"},
	}
	send(t, phone, protocol.ApplyOperations("m1", ops.Batch{op}, false))

	assert.Equal(t, protocol.TypeSyncOperations, read(t, phone).Type)
	assert.Equal(t, protocol.TypeRoomUpdate, read(t, phone).Type)
	ack := read(t, phone)
	assert.Equal(t, protocol.TypeAck, ack.Type)
	assert.Equal(t, "m1", ack.ResponseTo)

	synced := read(t, headset)
	assert.Equal(t, protocol.TypeSyncOperations, synced.Type)
	assert.Equal(t, []string{op.ID}, synced.Operations.IDs())
	update := read(t, headset)
	assert.Contains(t, update.Data.Layouts[layoutID].Furniture, "fp-1")

	send(t, headset, protocol.RequestRoom("m2", "missing"))
	reply := read(t, headset)
	assert.Equal(t, protocol.TypeError, reply.Type)
	assert.Equal(t, errs.NotFound, reply.Code)
	assert.Equal(t, "m2", reply.ResponseTo)

	require.NoError(t, headset.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	left := read(t, phone)
	assert.Equal(t, protocol.TypeDeviceDisconnected, left.Type)
}

func TestSyncRejectsBadTokens(t *testing.T) {
	env := newEnv(t)
	cases := map[string]struct {
		path   string
		status int
	}{
		"missing":        {"/sync", http.StatusUnauthorized},
		"garbage":        {"/sync?token=abc", http.StatusUnauthorized},
		"other property": {"/properties/prop-2/sync?token=" + env.token(t, "u1", "prop-1", ""), http.StatusForbidden},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(tc.path), nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func do(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestRoomsEndpoints(t *testing.T) {
	env := newEnv(t)
	token := env.token(t, "u1", "prop-1", "")
	base := env.http.URL + "/properties/prop-1/rooms"

	resp, body := do(t, http.MethodGet, base, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rooms models.Rooms
	require.NoError(t, json.Unmarshal(body, &rooms))
	assert.Len(t, rooms, 1)

	resp, body = do(t, http.MethodPost, base, token, map[string]any{"id": "kitchen", "layoutName": "Cooking"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var room models.Room
	require.NoError(t, json.Unmarshal(body, &room))
	assert.Equal(t, "kitchen", room.ID)

	resp, _ = do(t, http.MethodPost, base, token, map[string]any{"id": "kitchen"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, base+"/kitchen", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, base+"/kitchen", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = do(t, http.MethodGet, base+"/kitchen", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), `"code":404`)

	resp, _ = do(t, http.MethodGet, base, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, env.http.URL+"/properties/prop-2/rooms", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newEnv(t)
	resp, body := do(t, http.MethodGet, env.http.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	resp, body = do(t, http.MethodGet, env.http.URL+"/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "roomsync_running_actors")
}

package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Cyvadra/signal-trader/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBotAPI struct {
	mu      sync.Mutex
	batches []string // getUpdates results served in order, then []
	offsets []string
	down    bool
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case strings.HasPrefix(r.URL.Path, "/botbad/"):
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Signals","username":"signals_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/getUpdates"):
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.down {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`)
			return
		}
		f.offsets = append(f.offsets, r.FormValue("offset"))
		result := "[]"
		if len(f.batches) > 0 {
			result, f.batches = f.batches[0], f.batches[1:]
		}
		fmt.Fprintf(w, `{"ok":true,"result":%s}`, result)
	default:
		http.NotFound(w, r)
	}
}

func newTestSource(t *testing.T, api *fakeBotAPI) *Source {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	s := New()
	s.SetEndpoint(srv.URL + "/bot%s/%s")
	return s
}

func post(updateID, chatID, messageID int, username, text string) string {
	return fmt.Sprintf(`{"update_id":%d,"channel_post":{"message_id":%d,"date":1767225600,"chat":{"id":%d,"type":"channel","username":%q},"text":%q}}`,
		updateID, messageID, chatID, username, text)
}

func TestFetchBuffersPerChat(t *testing.T) {
	api := &fakeBotAPI{batches: []string{
		"[" + strings.Join([]string{
			post(10, -1001, 5, "alpha", "LONG BTCUSDT"),
			post(11, -1002, 3, "beta", "SHORT ETHUSDT"),
			post(12, -1001, 6, "alpha", "LONG SOLUSDT"),
			`{"update_id":13,"channel_post":{"message_id":7,"date":1767225600,"chat":{"id":-1001,"type":"channel"},"caption":"photo caption LONG XRPUSDT"}}`,
		}, ",") + "]",
	}}
	s := newTestSource(t, api)
	ctx := context.Background()

	conn, err := s.Connect(ctx, source.Credentials{"bot_token": "123:abc"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(conn.Key(), "telegram:"))

	msgs, err := s.FetchNewMessages(ctx, conn, "-1001", 5)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(6), msgs[0].ID)
	assert.Equal(t, "LONG SOLUSDT", msgs[0].Text)
	assert.Equal(t, "-1001", msgs[0].ChannelID)
	assert.Equal(t, int64(7), msgs[1].ID)
	assert.Contains(t, msgs[1].Text, "XRPUSDT")

	// -1002 was buffered by the first pull and is reachable by username
	msgs, err = s.FetchNewMessages(ctx, conn, "@Beta", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "SHORT ETHUSDT", msgs[0].Text)
	assert.Equal(t, "@Beta", msgs[0].ChannelID)

	// consumed messages are not returned twice
	msgs, err = s.FetchNewMessages(ctx, conn, "-1001", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"", "14", "14"}, api.offsets)
}

func TestConnectRejectsBadToken(t *testing.T) {
	s := newTestSource(t, &fakeBotAPI{})

	_, err := s.Connect(context.Background(), source.Credentials{"bot_token": "bad"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, source.ErrInvalidCredentials))

	_, err = s.Connect(context.Background(), source.Credentials{})
	assert.True(t, errors.Is(err, source.ErrInvalidCredentials))
}

func TestFetchReportsDisconnect(t *testing.T) {
	api := &fakeBotAPI{}
	s := newTestSource(t, api)

	conn, err := s.Connect(context.Background(), source.Credentials{"bot_token": "123:abc"})
	require.NoError(t, err)

	api.mu.Lock()
	api.down = true
	api.mu.Unlock()

	_, err = s.FetchNewMessages(context.Background(), conn, "-1001", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, source.ErrDisconnected))
}

func TestBufferedPostsSurviveReconnect(t *testing.T) {
	api := &fakeBotAPI{batches: []string{
		"[" + post(10, -1001, 5, "alpha", "LONG BTCUSDT") + "," + post(11, -1002, 3, "beta", "SHORT ETHUSDT") + "]",
	}}
	s := newTestSource(t, api)
	ctx := context.Background()
	creds := source.Credentials{"bot_token": "123:abc"}

	conn, err := s.Connect(ctx, creds)
	require.NoError(t, err)
	msgs, err := s.FetchNewMessages(ctx, conn, "-1001", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// updates 10 and 11 are confirmed on the next getUpdates, which fails
	api.mu.Lock()
	api.down = true
	api.mu.Unlock()
	_, err = s.FetchNewMessages(ctx, conn, "-1002", 0)
	require.True(t, errors.Is(err, source.ErrDisconnected))
	require.NoError(t, conn.Close())

	api.mu.Lock()
	api.down = false
	api.mu.Unlock()
	conn, err = s.Connect(ctx, creds)
	require.NoError(t, err)

	msgs, err = s.FetchNewMessages(ctx, conn, "-1002", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "SHORT ETHUSDT", msgs[0].Text)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"", "12"}, api.offsets)
}

func TestSessionsAreIsolatedPerBot(t *testing.T) {
	api := &fakeBotAPI{batches: []string{"[" + post(10, -1001, 5, "alpha", "LONG BTCUSDT") + "]"}}
	s := newTestSource(t, api)
	ctx := context.Background()

	first, err := s.Connect(ctx, source.Credentials{"bot_token": "123:abc"})
	require.NoError(t, err)
	second, err := s.Connect(ctx, source.Credentials{"bot_token": "456:def"})
	require.NoError(t, err)

	msgs, err := s.FetchNewMessages(ctx, first, "-1001", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msgs, err = s.FetchNewMessages(ctx, second, "-1001", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRegistered(t *testing.T) {
	src, err := source.Create(Kind)
	require.NoError(t, err)
	assert.Equal(t, Kind, src.Kind())
}

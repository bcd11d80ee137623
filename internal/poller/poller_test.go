package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Cyvadra/signal-trader/internal/executor"
	"github.com/Cyvadra/signal-trader/internal/models"
	"github.com/Cyvadra/signal-trader/internal/signal"
	"github.com/Cyvadra/signal-trader/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioA = "LONG BTCUSDT Entry: 45000 TP: 46000 SL: 44000 Leverage: 10x"

type fakeConn struct{ closed bool }

func (c *fakeConn) Key() string  { return "fake:conn" }
func (c *fakeConn) Close() error { c.closed = true; return nil }

type fakeSource struct {
	mu       sync.Mutex
	channels map[string][]source.Message
	failNext int // FetchNewMessages calls to fail with ErrDisconnected
	connErr  error
	fetchErr error
	connects int
	fetches  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{channels: make(map[string][]source.Message)}
}

func (f *fakeSource) post(channelID string, id int64, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[channelID] = append(f.channels[channelID], source.Message{ID: id, ChannelID: channelID, Text: text})
}

func (f *fakeSource) Kind() string { return "fake" }

func (f *fakeSource) Connect(context.Context, source.Credentials) (source.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connErr != nil {
		return nil, f.connErr
	}
	return &fakeConn{}, nil
}

func (f *fakeSource) FetchNewMessages(_ context.Context, _ source.Connection, channelID string, afterID int64) ([]source.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.failNext > 0 {
		f.failNext--
		return nil, fmt.Errorf("%w: connection reset", source.ErrDisconnected)
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []source.Message
	for _, m := range f.channels[channelID] {
		if m.ID > afterID {
			out = append(out, m)
		}
	}
	return out, nil
}

type memoryCursors struct {
	mu   sync.Mutex
	data map[string]int64
}

func newMemoryCursors() *memoryCursors {
	return &memoryCursors{data: make(map[string]int64)}
}

func (m *memoryCursors) GetCursor(_ context.Context, key, channelID string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.data[key+"/"+channelID]
	return id, ok, nil
}

func (m *memoryCursors) SaveCursor(_ context.Context, key, channelID string, lastID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.data[key+"/"+channelID]; !ok || lastID > cur {
		m.data[key+"/"+channelID] = lastID
	}
	return nil
}

func (m *memoryCursors) get(key, channelID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key+"/"+channelID]
}

type dispatch struct {
	AccountID string
	Symbol    string
	Origin    executor.Origin
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatch
}

func (d *recordingDispatcher) ExecuteFrom(_ context.Context, sig *signal.TradeSignal, account *models.Account, origin executor.Origin) *executor.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatch{AccountID: account.ID, Symbol: sig.Symbol, Origin: origin})
	return &executor.Result{Status: executor.StatusExecuted, AccountID: account.ID, Symbol: sig.Symbol}
}

func (d *recordingDispatcher) all() []dispatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]dispatch(nil), d.calls...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Origin.MessageID != out[j].Origin.MessageID {
			return out[i].Origin.MessageID < out[j].Origin.MessageID
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}

type staticRoster struct {
	mu       sync.Mutex
	accounts []models.Account
	attached bool
}

func (r *staticRoster) get() ([]models.Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Account(nil), r.accounts...), r.attached
}

func account(id string, channels ...string) models.Account {
	return models.Account{ID: id, Channels: channels}
}

type harness struct {
	src        *fakeSource
	cursors    *memoryCursors
	dispatcher *recordingDispatcher
	roster     *staticRoster
	poller     *Poller
}

func newHarness(t *testing.T, cfg Config, accounts ...models.Account) *harness {
	t.Helper()
	h := &harness{
		src:        newFakeSource(),
		cursors:    newMemoryCursors(),
		dispatcher: &recordingDispatcher{},
		roster:     &staticRoster{accounts: accounts, attached: true},
	}
	h.poller = New("fake:conn", h.src, source.Credentials{}, h.roster.get, h.cursors,
		signal.NewParser(signal.Options{}), h.dispatcher, cfg, nil)
	return h
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if h.poller.conn == nil {
		require.NoError(t, h.poller.connect(ctx))
	}
	require.NoError(t, h.poller.tick(ctx))
}

func TestPrimesNewChannelWithoutTrading(t *testing.T) {
	h := newHarness(t, Config{}, account("a", "signals"))
	h.src.post("signals", 1, scenarioA)
	h.src.post("signals", 2, "SHORT ETHUSDT TP 3000 SL 3300")

	h.tick(t)
	assert.Empty(t, h.dispatcher.all())
	assert.Equal(t, int64(2), h.cursors.get("fake:conn", "signals"))

	h.src.post("signals", 3, scenarioA)
	h.tick(t)

	calls := h.dispatcher.all()
	require.Len(t, calls, 1)
	assert.Equal(t, dispatch{AccountID: "a", Symbol: "BTCUSDT", Origin: executor.Origin{ChannelID: "signals", MessageID: 3}}, calls[0])
	assert.Equal(t, int64(3), h.cursors.get("fake:conn", "signals"))
}

func TestPrimesEmptyChannel(t *testing.T) {
	h := newHarness(t, Config{}, account("a", "signals"))

	h.tick(t)
	_, ok, _ := h.cursors.GetCursor(context.Background(), "fake:conn", "signals")
	assert.True(t, ok)

	h.src.post("signals", 1, scenarioA)
	h.tick(t)
	assert.Len(t, h.dispatcher.all(), 1)
}

func TestReplayBacklog(t *testing.T) {
	h := newHarness(t, Config{ReplayBacklog: true}, account("a", "signals"))
	h.src.post("signals", 1, scenarioA)
	h.src.post("signals", 2, "SHORT ETHUSDT TP 3000 SL 3300")

	h.tick(t)

	calls := h.dispatcher.all()
	require.Len(t, calls, 2)
	assert.Equal(t, "BTCUSDT", calls[0].Symbol)
	assert.Equal(t, "ETHUSDT", calls[1].Symbol)
}

func TestFansOutToMonitoringAccounts(t *testing.T) {
	h := newHarness(t, Config{},
		account("a", "one"),
		account("b", "one", "two"),
		account("c", "two"),
	)
	h.tick(t)

	h.src.post("one", 10, scenarioA)
	h.tick(t)

	calls := h.dispatcher.all()
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].AccountID)
	assert.Equal(t, "b", calls[1].AccountID)
	assert.Equal(t, []string{"one", "two"}, h.poller.Status().Channels)
}

func TestStoredCursorResumes(t *testing.T) {
	h := newHarness(t, Config{}, account("a", "signals"))
	require.NoError(t, h.cursors.SaveCursor(context.Background(), "fake:conn", "signals", 5))
	h.src.post("signals", 4, scenarioA)
	h.src.post("signals", 5, scenarioA)
	h.src.post("signals", 6, scenarioA)

	h.tick(t)

	calls := h.dispatcher.all()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(6), calls[0].Origin.MessageID)
}

func TestRejectedMessageAdvancesCursor(t *testing.T) {
	h := newHarness(t, Config{}, account("a", "signals"))
	h.tick(t)

	h.src.post("signals", 1, "good morning traders")
	h.tick(t)

	assert.Empty(t, h.dispatcher.all())
	assert.Equal(t, int64(1), h.cursors.get("fake:conn", "signals"))
	assert.Equal(t, uint64(1), h.poller.Status().Processed)
}

func TestDetachedPollerDispatchesNothing(t *testing.T) {
	h := newHarness(t, Config{}, account("a", "signals"))
	h.tick(t)
	h.src.post("signals", 1, scenarioA)

	h.roster.mu.Lock()
	h.roster.attached = false
	h.roster.mu.Unlock()
	h.tick(t)

	assert.Empty(t, h.dispatcher.all())
	h.src.mu.Lock()
	defer h.src.mu.Unlock()
	assert.Equal(t, 1, h.src.fetches)
}

func TestReconnectsAfterDisconnect(t *testing.T) {
	cfg := Config{
		Interval:      5 * time.Millisecond,
		ReconnectBase: time.Millisecond,
		ReconnectMax:  5 * time.Millisecond,
	}
	h := newHarness(t, cfg, account("a", "signals"))
	require.NoError(t, h.cursors.SaveCursor(context.Background(), "fake:conn", "signals", 0))
	h.src.post("signals", 1, scenarioA)
	h.src.mu.Lock()
	h.src.failNext = 2
	h.src.mu.Unlock()

	assert.Equal(t, StateIdle, h.poller.State())
	h.poller.Start(context.Background())

	assert.Eventually(t, func() bool { return len(h.dispatcher.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatePolling, h.poller.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.poller.Stop(ctx))
	assert.Equal(t, StateStopped, h.poller.State())

	h.src.mu.Lock()
	defer h.src.mu.Unlock()
	assert.Equal(t, 3, h.src.connects)
	assert.Equal(t, int64(1), h.cursors.get("fake:conn", "signals"))
	assert.Len(t, h.dispatcher.all(), 1)
}

func TestStopsOnRejectedCredentials(t *testing.T) {
	rejected := fmt.Errorf("%w: bot token revoked", source.ErrInvalidCredentials)
	tests := []struct {
		name     string
		connErr  error
		fetchErr error
	}{
		{name: "on connect", connErr: rejected},
		{name: "on fetch", fetchErr: rejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Interval:      5 * time.Millisecond,
				ReconnectBase: time.Millisecond,
				ReconnectMax:  5 * time.Millisecond,
			}
			h := newHarness(t, cfg, account("a", "signals"))
			h.src.connErr = tt.connErr
			h.src.fetchErr = tt.fetchErr

			fatal := make(chan error, 1)
			h.poller.SetOnFatal(func(p *Poller, err error) {
				if p == h.poller {
					fatal <- err
				}
			})
			h.poller.Start(context.Background())

			select {
			case <-h.poller.Done():
			case <-time.After(time.Second):
				t.Fatal("poller kept retrying rejected credentials")
			}
			select {
			case err := <-fatal:
				assert.ErrorIs(t, err, source.ErrInvalidCredentials)
			case <-time.After(time.Second):
				t.Fatal("fatal callback not called")
			}

			st := h.poller.Status()
			assert.Equal(t, StateStopped, st.State)
			assert.Contains(t, st.LastError, "bot token revoked")
			assert.Empty(t, h.dispatcher.all())

			h.src.mu.Lock()
			defer h.src.mu.Unlock()
			assert.Equal(t, 1, h.src.connects)
		})
	}
}

func TestDisconnectIsRetriedWithoutFatal(t *testing.T) {
	cfg := Config{
		Interval:      5 * time.Millisecond,
		ReconnectBase: time.Millisecond,
		ReconnectMax:  5 * time.Millisecond,
	}
	h := newHarness(t, cfg, account("a", "signals"))
	h.src.fetchErr = fmt.Errorf("%w: timeout", source.ErrDisconnected)
	called := make(chan struct{}, 1)
	h.poller.SetOnFatal(func(*Poller, error) { called <- struct{}{} })
	h.poller.Start(context.Background())

	assert.Eventually(t, func() bool {
		h.src.mu.Lock()
		defer h.src.mu.Unlock()
		return h.src.connects >= 3
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.poller.Stop(ctx))
	assert.Empty(t, called)
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t, Config{})
	assert.NoError(t, h.poller.Stop(context.Background()))
}

func TestStopTimesOut(t *testing.T) {
	h := newHarness(t, Config{})
	h.poller.mu.Lock()
	h.poller.cancel = func() {}
	h.poller.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := h.poller.Stop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

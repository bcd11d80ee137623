// Package poller runs one polling loop per message-source connection.
//
// Every tick the poller asks its roster which accounts are active on the
// connection, fetches new messages from the union of their channels, parses them
// and hands accepted signals to every active account that monitors the channel.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Cyvadra/signal-trader/broker"
	"github.com/Cyvadra/signal-trader/internal/events"
	"github.com/Cyvadra/signal-trader/internal/executor"
	"github.com/Cyvadra/signal-trader/internal/models"
	"github.com/Cyvadra/signal-trader/internal/signal"
	"github.com/Cyvadra/signal-trader/source"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Roster returns a copy of the accounts currently active on the connection.
// attached is false once the poller has been detached from its owner.
type Roster func() (accounts []models.Account, attached bool)

// CursorStore persists the last processed message id per channel.
type CursorStore interface {
	GetCursor(ctx context.Context, connectionKey, channelID string) (int64, bool, error)
	SaveCursor(ctx context.Context, connectionKey, channelID string, lastID int64) error
}

// Parser turns message text into a signal. *signal.Parser implements it.
type Parser interface {
	Parse(text string) signal.Result
}

// Dispatcher executes a signal for one account. *executor.Executor implements it.
type Dispatcher interface {
	ExecuteFrom(ctx context.Context, sig *signal.TradeSignal, account *models.Account, origin executor.Origin) *executor.Result
}

// Poller polls one connection.
type Poller struct {
	key        string
	src        source.Source
	creds      source.Credentials
	roster     Roster
	cursors    CursorStore
	parser     Parser
	dispatcher Dispatcher
	cfg        Config
	hub        *events.Hub
	onFatal    func(*Poller, error)
	logger     *zap.Logger

	conn    source.Connection
	last    map[string]int64 // in-memory cursors, loaded lazily from the store
	started atomic.Bool

	mu       sync.RWMutex
	state    State
	lastErr  string
	lastPoll time.Time
	failures int
	channels []string

	processed atomic.Uint64
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a poller for the connection identified by key.
func New(key string, src source.Source, creds source.Credentials, roster Roster, cursors CursorStore, parser Parser, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		key:        key,
		src:        src,
		creds:      creds,
		roster:     roster,
		cursors:    cursors,
		parser:     parser,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		logger:     logger.With(zap.String("connection", key), zap.String("source", src.Kind())),
		last:       make(map[string]int64),
		state:      StateIdle,
		done:       make(chan struct{}),
	}
}

// SetHub sets the hub state changes and parsed signals are published to
func (p *Poller) SetHub(hub *events.Hub) {
	p.hub = hub
}

// SetOnFatal sets fn to run once the goroutine has exited on an error retrying
// cannot fix, such as rejected credentials. Done is already closed when fn runs.
func (p *Poller) SetOnFatal(fn func(*Poller, error)) {
	p.onFatal = fn
}

// Key returns the connection key
func (p *Poller) Key() string {
	return p.key
}

// Start launches the polling goroutine. The goroutine outlives ctx only through
// its own cancel func, which Stop calls. Calling Start twice does nothing.
func (p *Poller) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(ctx)
	p.logger.Info("poller started")
}

// Stop cancels the goroutine and waits for it to exit or ctx to end.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.RLock()
	cancel := p.cancel
	p.mu.RUnlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("poller %s did not stop: %w", p.key, ctx.Err())
	}
}

// Done is closed when the goroutine has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// State returns the current state
func (p *Poller) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Status returns a snapshot of the poller.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Status{
		ConnectionKey: p.key,
		Source:        p.src.Kind(),
		State:         p.state,
		Channels:      append([]string(nil), p.channels...),
		LastPoll:      p.lastPoll,
		LastError:     p.lastErr,
		Failures:      p.failures,
		Processed:     p.processed.Load(),
	}
}

func (p *Poller) run(ctx context.Context) {
	var fatal error
	defer func() {
		p.disconnect()
		p.setState(StateStopped, fatal)
		close(p.done)
		p.mu.RLock()
		cancel := p.cancel
		p.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		if fatal != nil && p.onFatal != nil {
			p.onFatal(p, fatal)
		}
	}()

	for {
		if p.conn == nil {
			if err := p.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				if unrecoverable(err) {
					fatal = err
					p.logger.Error("connection stopped", zap.Error(err))
					return
				}
				if !p.backoff(ctx, err) {
					return
				}
				continue
			}
		}

		err := p.tick(ctx)
		if ctx.Err() != nil {
			return
		}
		if unrecoverable(err) {
			fatal = err
			p.logger.Error("connection stopped", zap.Error(err))
			return
		}
		if errors.Is(err, source.ErrDisconnected) {
			p.disconnect()
			if !p.backoff(ctx, err) {
				return
			}
			continue
		}
		if err != nil {
			p.logger.Warn("poll failed", zap.Error(err))
			p.recordError(err)
		}

		if !sleep(ctx, p.cfg.Interval) {
			return
		}
	}
}

func (p *Poller) connect(ctx context.Context) error {
	p.mu.RLock()
	reconnecting := p.failures > 0
	p.mu.RUnlock()
	if reconnecting {
		p.setState(StateReconnecting, nil)
	}

	cctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()
	conn, err := p.src.Connect(cctx, p.creds)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	p.conn = conn

	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
	p.setState(StatePolling, nil)
	if reconnecting {
		p.logger.Info("reconnected")
	}
	return nil
}

func (p *Poller) disconnect() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Close(); err != nil {
		p.logger.Debug("failed to close connection", zap.Error(err))
	}
	p.conn = nil
}

// backoff records a failure and waits before the next connect attempt.
func (p *Poller) backoff(ctx context.Context, err error) bool {
	p.mu.Lock()
	p.failures++
	attempt := p.failures
	p.mu.Unlock()

	delay := broker.Backoff(attempt, p.cfg.ReconnectBase, p.cfg.ReconnectMax)
	p.setState(StateDisconnected, err)
	p.logger.Warn("source disconnected",
		zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))
	return sleep(ctx, delay)
}

// tick fetches and processes every channel of the active accounts once.
func (p *Poller) tick(ctx context.Context) error {
	accounts, attached := p.roster()
	if !attached {
		return nil
	}
	channels := unionChannels(accounts)

	p.mu.Lock()
	p.channels = channels
	p.mu.Unlock()

	var errs []error
	for _, channelID := range channels {
		if err := p.pollChannel(ctx, channelID); err != nil {
			if errors.Is(err, source.ErrDisconnected) || ctx.Err() != nil {
				return err
			}
			errs = append(errs, err)
		}
	}

	p.mu.Lock()
	p.lastPoll = time.Now().UTC()
	if len(errs) == 0 {
		p.lastErr = ""
	}
	p.mu.Unlock()
	return errors.Join(errs...)
}

func (p *Poller) pollChannel(ctx context.Context, channelID string) error {
	last, known, err := p.cursor(ctx, channelID)
	if err != nil {
		return err
	}

	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	msgs, err := p.src.FetchNewMessages(fctx, p.conn, channelID, last)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch %s: %w", channelID, err)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	if !known && !p.cfg.ReplayBacklog {
		newest := last
		for _, m := range msgs {
			if m.ID > newest {
				newest = m.ID
			}
		}
		p.advance(ctx, channelID, newest)
		p.logger.Info("channel primed", zap.String("channel", channelID),
			zap.Int64("cursor", newest), zap.Int("skipped", len(msgs)))
		return nil
	}

	for _, m := range msgs {
		if m.ID <= last {
			continue
		}
		last = m.ID
		p.advance(ctx, channelID, m.ID)
		p.handle(ctx, channelID, m)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// cursor returns the last processed id and whether the channel was seen before.
func (p *Poller) cursor(ctx context.Context, channelID string) (int64, bool, error) {
	if id, ok := p.last[channelID]; ok {
		return id, true, nil
	}
	id, ok, err := p.cursors.GetCursor(ctx, p.key, channelID)
	if err != nil {
		return 0, false, fmt.Errorf("load cursor %s: %w", channelID, err)
	}
	if ok {
		p.last[channelID] = id
	}
	return id, ok, nil
}

// advance moves the cursor forward in memory and in the store. A failed write is
// logged; the in-memory cursor still prevents reprocessing in this process.
func (p *Poller) advance(ctx context.Context, channelID string, id int64) {
	p.last[channelID] = id
	if err := p.cursors.SaveCursor(context.WithoutCancel(ctx), p.key, channelID, id); err != nil {
		p.logger.Error("failed to persist cursor",
			zap.String("channel", channelID), zap.Int64("cursor", id), zap.Error(err))
	}
}

func (p *Poller) handle(ctx context.Context, channelID string, msg source.Message) {
	p.processed.Add(1)
	log := p.logger.With(zap.String("channel", channelID), zap.Int64("message", msg.ID))

	res := p.parser.Parse(msg.Text)
	if !res.Accepted() {
		log.Debug("message ignored", zap.Error(res.Err()))
		return
	}
	sig := res.Signal
	log.Info("signal parsed",
		zap.String("symbol", sig.Symbol),
		zap.String("direction", string(sig.Direction)),
		zap.Float64("confidence", sig.Confidence),
		zap.String("strategy", string(sig.Strategy)))
	p.publish(events.Event{
		Type:    events.TypeSignalParsed,
		Symbol:  sig.Symbol,
		Message: fmt.Sprintf("%s %s from %s", sig.Direction, sig.Symbol, channelID),
		Data:    sig,
	})

	// a second snapshot so accounts stopped since the tick began are left out
	accounts, attached := p.roster()
	if !attached {
		return
	}
	var targets []models.Account
	for _, a := range accounts {
		if a.MonitorsChannel(channelID) {
			targets = append(targets, a)
		}
	}
	if len(targets) == 0 {
		return
	}

	dctx, cancel := context.WithTimeout(ctx, p.cfg.DispatchTimeout)
	defer cancel()
	origin := executor.Origin{ChannelID: channelID, MessageID: msg.ID}

	g, gctx := errgroup.WithContext(dctx)
	for i := range targets {
		account := targets[i]
		g.Go(func() error {
			s := *sig
			result := p.dispatcher.ExecuteFrom(gctx, &s, &account, origin)
			log.Info("signal dispatched",
				zap.String("account", account.ID),
				zap.String("status", string(result.Status)),
				zap.String("reason", result.Reason))
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poller) setState(state State, err error) {
	p.mu.Lock()
	changed := p.state != state
	p.state = state
	if err != nil {
		p.lastErr = err.Error()
	}
	p.mu.Unlock()

	if changed {
		msg := string(state)
		if err != nil {
			msg += ": " + err.Error()
		}
		p.publish(events.Event{Type: events.TypePollerState, Message: msg, Data: p.Status()})
	}
}

func (p *Poller) recordError(err error) {
	p.mu.Lock()
	p.lastErr = err.Error()
	p.mu.Unlock()
}

func (p *Poller) publish(ev events.Event) {
	if p.hub != nil {
		p.hub.Publish(ev)
	}
}

// unrecoverable reports errors that reconnecting cannot fix.
func unrecoverable(err error) bool {
	return errors.Is(err, source.ErrInvalidCredentials)
}

func unionChannels(accounts []models.Account) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range accounts {
		for _, c := range a.Channels {
			if c != "" && !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Strings(out)
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

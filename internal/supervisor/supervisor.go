// Package supervisor tracks which accounts are monitoring and owns one poller per
// message-source connection.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Cyvadra/signal-trader/broker"
	"github.com/Cyvadra/signal-trader/internal/events"
	"github.com/Cyvadra/signal-trader/internal/models"
	"github.com/Cyvadra/signal-trader/internal/poller"
	"github.com/Cyvadra/signal-trader/source"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrConfiguration is returned when an account cannot be monitored as configured.
var ErrConfiguration = errors.New("account configuration error")

// Skip reasons reported by AutoResume.
const (
	ReasonUnassigned         = "unassigned"
	ReasonMissingCredentials = "missing exchange credentials"
	ReasonNoChannels         = "no channels"
	ReasonNoSource           = "no message source"
)

// StartResult is the outcome of Start.
type StartResult string

const (
	Started       StartResult = "started"
	AlreadyActive StartResult = "already_active"
)

// StopResult is the outcome of Stop.
type StopResult string

const (
	Stopped         StopResult = "stopped"
	AlreadyInactive StopResult = "already_inactive"
)

// AccountStore reads accounts.
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

// BrokerReleaser drops the exchange connection of an account that stopped
// monitoring. *broker.Manager implements it.
type BrokerReleaser interface {
	RemoveBroker(accountID string) error
}

// SkippedAccount is an account AutoResume did not start.
type SkippedAccount struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

// ResumeReport summarises AutoResume.
type ResumeReport struct {
	Started       []string         `json:"started"`
	AlreadyActive []string         `json:"already_active"`
	Skipped       []SkippedAccount `json:"skipped"`
}

// AccountStatus is the monitoring state of one account.
type AccountStatus struct {
	AccountID     string   `json:"account_id"`
	Active        bool     `json:"active"`
	ConnectionKey string   `json:"connection_key,omitempty"`
	Channels      []string `json:"channels,omitempty"`
}

// Status is a snapshot of every active account and poller.
type Status struct {
	Accounts []AccountStatus `json:"accounts"`
	Pollers  []poller.Status `json:"pollers"`
}

type activeAccount struct {
	account models.Account
	key     string
}

// Supervisor starts and stops monitoring per account.
type Supervisor struct {
	store      AccountStore
	cursors    poller.CursorStore
	parser     poller.Parser
	dispatcher poller.Dispatcher
	cfg        poller.Config
	hub        *events.Hub
	brokers    BrokerReleaser
	logger     *zap.Logger

	// base is the parent context of every poller; cancelled by Shutdown
	base       context.Context
	cancelBase context.CancelFunc

	mu      sync.RWMutex
	active  map[string]*activeAccount
	pollers map[string]*poller.Poller
}

// New creates a supervisor.
func New(store AccountStore, cursors poller.CursorStore, parser poller.Parser, dispatcher poller.Dispatcher, cfg poller.Config, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:      store,
		cursors:    cursors,
		parser:     parser,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		base:       base,
		cancelBase: cancel,
		active:     make(map[string]*activeAccount),
		pollers:    make(map[string]*poller.Poller),
	}
}

// SetHub sets the hub monitoring changes are published to
func (s *Supervisor) SetHub(hub *events.Hub) {
	s.hub = hub
}

// SetBrokers sets where the exchange connections of stopped accounts are released
func (s *Supervisor) SetBrokers(brokers BrokerReleaser) {
	s.brokers = brokers
}

// Start begins monitoring for accountID, starting the connection's poller if it is
// the first active account on it.
func (s *Supervisor) Start(ctx context.Context, accountID string) (StartResult, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load account %s: %w", accountID, err)
	}
	if reason := checkAccount(account); reason != "" {
		return "", fmt.Errorf("%w: account %s: %s", ErrConfiguration, accountID, reason)
	}

	src, err := source.Create(account.SourceKind)
	if err != nil {
		return "", fmt.Errorf("%w: account %s: %v", ErrConfiguration, accountID, err)
	}
	creds := source.Credentials(account.SourceCredentials)
	key := source.ConnectionKey(src.Kind(), creds)

	s.mu.Lock()
	if s.base.Err() != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("supervisor is shut down")
	}
	if _, ok := s.active[accountID]; ok {
		s.mu.Unlock()
		return AlreadyActive, nil
	}
	s.active[accountID] = &activeAccount{account: *account, key: key}

	_, exists := s.pollers[key]
	if !exists {
		p := s.newPoller(key, src, creds)
		s.pollers[key] = p
		p.Start(s.base)
	}
	s.mu.Unlock()

	s.logger.Info("monitoring started",
		zap.String("account", accountID),
		zap.String("connection", key),
		zap.Strings("channels", account.Channels),
		zap.Bool("new_poller", !exists))
	s.publish(accountID, "monitoring started")
	return Started, nil
}

// newPoller builds a poller whose roster reads the active accounts on key. Once the
// poller is replaced or removed from the map the roster reports it as detached.
func (s *Supervisor) newPoller(key string, src source.Source, creds source.Credentials) *poller.Poller {
	var p *poller.Poller
	roster := func() ([]models.Account, bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.pollers[key] != p {
			return nil, false
		}
		var accounts []models.Account
		for _, a := range s.active {
			if a.key == key {
				accounts = append(accounts, a.account)
			}
		}
		sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
		return accounts, true
	}
	p = poller.New(key, src, creds, roster, s.cursors, s.parser, s.dispatcher, s.cfg,
		s.logger.Named("poller"))
	p.SetHub(s.hub)
	p.SetOnFatal(s.connectionFailed)
	return p
}

// connectionFailed deactivates every account on a poller that gave up. It runs on
// the poller's goroutine after Done is closed.
func (s *Supervisor) connectionFailed(p *poller.Poller, cause error) {
	key := p.Key()
	s.mu.Lock()
	if s.pollers[key] != p {
		s.mu.Unlock()
		return
	}
	delete(s.pollers, key)
	var stopped []string
	for id, a := range s.active {
		if a.key == key {
			delete(s.active, id)
			stopped = append(stopped, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(stopped)
	s.logger.Error("connection failed, monitoring stopped",
		zap.String("connection", key),
		zap.Strings("accounts", stopped),
		zap.Error(cause))
	for _, id := range stopped {
		s.releaseBroker(id)
		s.publish(id, "monitoring stopped: "+cause.Error())
	}
}

// Stop ends monitoring for accountID. When it was the last active account on its
// connection the poller is stopped and Stop waits for it to exit.
func (s *Supervisor) Stop(ctx context.Context, accountID string) (StopResult, error) {
	s.mu.Lock()
	a, ok := s.active[accountID]
	if !ok {
		s.mu.Unlock()
		return AlreadyInactive, nil
	}
	delete(s.active, accountID)

	var p *poller.Poller
	if !s.inUse(a.key) {
		p = s.pollers[a.key]
		delete(s.pollers, a.key)
	}
	s.mu.Unlock()

	s.logger.Info("monitoring stopped",
		zap.String("account", accountID),
		zap.String("connection", a.key),
		zap.Bool("poller_stopped", p != nil))
	s.publish(accountID, "monitoring stopped")
	s.releaseBroker(accountID)

	if p != nil {
		if err := p.Stop(ctx); err != nil {
			return Stopped, err
		}
	}
	return Stopped, nil
}

// inUse reports whether any active account uses key. Caller holds s.mu.
func (s *Supervisor) inUse(key string) bool {
	for _, a := range s.active {
		if a.key == key {
			return true
		}
	}
	return false
}

// AutoResume starts every account that has channels configured. Accounts that
// cannot be started are reported and logged, never fatal.
func (s *Supervisor) AutoResume(ctx context.Context) (*ResumeReport, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	report := &ResumeReport{}
	skip := func(id, reason string) {
		report.Skipped = append(report.Skipped, SkippedAccount{AccountID: id, Reason: reason})
		s.logger.Warn("auto-resume skipped account", zap.String("account", id), zap.String("reason", reason))
	}

	for i := range accounts {
		account := &accounts[i]
		if len(account.Channels) == 0 {
			continue
		}
		if reason := checkAccount(account); reason != "" {
			skip(account.ID, reason)
			continue
		}

		res, err := s.Start(ctx, account.ID)
		switch {
		case err != nil:
			skip(account.ID, err.Error())
		case res == AlreadyActive:
			report.AlreadyActive = append(report.AlreadyActive, account.ID)
		default:
			report.Started = append(report.Started, account.ID)
		}
	}

	s.logger.Info("auto-resume finished",
		zap.Int("started", len(report.Started)),
		zap.Int("already_active", len(report.AlreadyActive)),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

// IsActive reports whether accountID is monitoring.
func (s *Supervisor) IsActive(accountID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.active[accountID]
	return ok
}

// Status returns the active accounts and the state of every poller.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	st := Status{
		Accounts: make([]AccountStatus, 0, len(s.active)),
		Pollers:  make([]poller.Status, 0, len(s.pollers)),
	}
	for id, a := range s.active {
		st.Accounts = append(st.Accounts, AccountStatus{
			AccountID:     id,
			Active:        true,
			ConnectionKey: a.key,
			Channels:      append([]string(nil), a.account.Channels...),
		})
	}
	pollers := make([]*poller.Poller, 0, len(s.pollers))
	for _, p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.mu.RUnlock()

	for _, p := range pollers {
		st.Pollers = append(st.Pollers, p.Status())
	}
	sort.Slice(st.Accounts, func(i, j int) bool { return st.Accounts[i].AccountID < st.Accounts[j].AccountID })
	sort.Slice(st.Pollers, func(i, j int) bool { return st.Pollers[i].ConnectionKey < st.Pollers[j].ConnectionKey })
	return st
}

// Shutdown stops every poller and waits for them. The supervisor rejects Start afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	pollers := make([]*poller.Poller, 0, len(s.pollers))
	for _, p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.pollers = make(map[string]*poller.Poller)
	s.active = make(map[string]*activeAccount)
	s.cancelBase()
	s.mu.Unlock()

	var g errgroup.Group
	for _, p := range pollers {
		p := p
		g.Go(func() error { return p.Stop(ctx) })
	}
	err := g.Wait()
	s.logger.Info("supervisor shut down", zap.Int("pollers", len(pollers)), zap.Error(err))
	return err
}

func (s *Supervisor) releaseBroker(accountID string) {
	if s.brokers == nil {
		return
	}
	if err := s.brokers.RemoveBroker(accountID); err != nil && !errors.Is(err, broker.ErrBrokerNotFound) {
		s.logger.Warn("failed to release broker", zap.String("account", accountID), zap.Error(err))
	}
}

func (s *Supervisor) publish(accountID, msg string) {
	if s.hub != nil {
		s.hub.Publish(events.Event{Type: events.TypeMonitoring, AccountID: accountID, Message: msg})
	}
}

// checkAccount returns why account cannot be monitored, or "".
func checkAccount(account *models.Account) string {
	switch {
	case !account.Assigned():
		return ReasonUnassigned
	case !account.HasCredentials():
		return ReasonMissingCredentials
	case len(account.Channels) == 0:
		return ReasonNoChannels
	case account.SourceKind == "":
		return ReasonNoSource
	}
	return ""
}

// Package telegram reads channel posts through the Telegram Bot API.
//
// getUpdates is global to a bot, so one pull confirms every update once and
// buffers posts per chat until the poller asks for that chat. The buffers and
// the update offset belong to the Source, keyed by connection, so posts already
// confirmed to Telegram survive a reconnect.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Cyvadra/signal-trader/source"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Kind is the registry name of the Telegram source.
const Kind = "telegram"

const (
	updatesLimit = 100
	maxPulls     = 10
	maxBuffered  = 500
)

// Source is the Telegram Bot API message source.
type Source struct {
	endpoint string
	timeout  time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Telegram source talking to the public Bot API.
func New() *Source {
	return &Source{
		endpoint: tgbotapi.APIEndpoint,
		timeout:  20 * time.Second,
		sessions: make(map[string]*session),
	}
}

// SetEndpoint overrides the Bot API endpoint format ("https://host/bot%s/%s").
func (s *Source) SetEndpoint(endpoint string) {
	s.endpoint = endpoint
}

// SetTimeout bounds every Bot API request.
func (s *Source) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		s.timeout = timeout
	}
}

// Kind returns "telegram"
func (s *Source) Kind() string {
	return Kind
}

// session is the update offset and per-chat buffers of one bot.
type session struct {
	mu      sync.Mutex
	offset  int
	chats   map[string][]source.Message
	aliases map[string]string // "@username" -> chat id
}

func (s *Source) session(key string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{
			chats:   make(map[string][]source.Message),
			aliases: make(map[string]string),
		}
		s.sessions[key] = sess
	}
	return sess
}

// Connection is a bot API client bound to its session.
type Connection struct {
	key  string
	api  *tgbotapi.BotAPI
	sess *session
}

// Key returns the connection key
func (c *Connection) Key() string {
	return c.key
}

// Close releases the connection. The Bot API is stateless and the session is
// kept for the next connection.
func (c *Connection) Close() error {
	return nil
}

// Connect validates the bot token with getMe.
func (s *Source) Connect(ctx context.Context, creds source.Credentials) (source.Connection, error) {
	if err := source.Required(creds, "bot_token"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: s.timeout}
	api, err := tgbotapi.NewBotAPIWithClient(creds["bot_token"], s.endpoint, client)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusNotFound) {
			return nil, fmt.Errorf("%w: %s", source.ErrInvalidCredentials, apiErr.Message)
		}
		return nil, fmt.Errorf("%w: telegram getMe: %v", source.ErrDisconnected, err)
	}

	key := source.ConnectionKey(Kind, creds)
	return &Connection{key: key, api: api, sess: s.session(key)}, nil
}

// FetchNewMessages pulls pending updates and returns the buffered posts of channelID
// newer than afterID. channelID is a numeric chat id or "@username".
func (s *Source) FetchNewMessages(ctx context.Context, conn source.Connection, channelID string, afterID int64) ([]source.Message, error) {
	c, ok := conn.(*Connection)
	if !ok {
		return nil, fmt.Errorf("telegram: unexpected connection %T", conn)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sess := c.sess
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := sess.pull(ctx, c.api); err != nil {
		return nil, err
	}

	id := sess.resolve(channelID)
	buffered := sess.chats[id]
	delete(sess.chats, id)

	var out []source.Message
	for _, m := range buffered {
		if m.ID > afterID {
			m.ChannelID = channelID
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (sess *session) pull(ctx context.Context, api *tgbotapi.BotAPI) error {
	for i := 0; i < maxPulls; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		updates, err := api.GetUpdates(tgbotapi.UpdateConfig{
			Offset:         sess.offset,
			Limit:          updatesLimit,
			AllowedUpdates: []string{"channel_post", "message"},
		})
		if err != nil {
			return fmt.Errorf("%w: telegram getUpdates: %v", source.ErrDisconnected, err)
		}
		for _, u := range updates {
			if u.UpdateID >= sess.offset {
				sess.offset = u.UpdateID + 1
			}
			sess.add(u)
		}
		if len(updates) < updatesLimit {
			return nil
		}
	}
	return nil
}

func (sess *session) add(u tgbotapi.Update) {
	msg := u.ChannelPost
	if msg == nil {
		msg = u.Message
	}
	if msg == nil || msg.Chat == nil {
		return
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	id := strconv.FormatInt(msg.Chat.ID, 10)
	if msg.Chat.UserName != "" {
		sess.aliases["@"+strings.ToLower(msg.Chat.UserName)] = id
	}

	buf := append(sess.chats[id], source.Message{
		ID:        int64(msg.MessageID),
		ChannelID: id,
		Text:      text,
		Time:      msg.Time().UTC(),
	})
	if len(buf) > maxBuffered {
		buf = buf[len(buf)-maxBuffered:]
	}
	sess.chats[id] = buf
}

func (sess *session) resolve(channelID string) string {
	if strings.HasPrefix(channelID, "@") {
		if id, ok := sess.aliases[strings.ToLower(channelID)]; ok {
			return id
		}
	}
	return channelID
}

func init() {
	source.Register(Kind, func() source.Source { return New() })
}

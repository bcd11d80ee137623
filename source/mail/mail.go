// Package mail reads signals from an IMAP mailbox. The mailbox name is the
// channel id and the message UID is the message id.
package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Cyvadra/signal-trader/source"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	gomail "github.com/emersion/go-message/mail"
)

// Kind is the registry name of the IMAP source.
const Kind = "mail"

const (
	defaultPort = 993
	maxFetch    = 200
)

// Source is the IMAP message source.
type Source struct {
	timeout time.Duration
}

// New creates an IMAP source.
func New() *Source {
	return &Source{timeout: 30 * time.Second}
}

// SetTimeout bounds every IMAP command.
func (s *Source) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		s.timeout = timeout
	}
}

// Kind returns "mail"
func (s *Source) Kind() string {
	return Kind
}

// Connection is a logged-in IMAP session. IMAP commands are sequential, so every
// fetch holds the connection lock.
type Connection struct {
	key string

	mu     sync.Mutex
	client *client.Client
}

// Key returns the connection key
func (c *Connection) Key() string {
	return c.key
}

// Close logs out
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Logout()
	c.client = nil
	return err
}

// Connect dials host:port and logs in. Credentials: host, username, password and
// optional port (993) and tls ("false" for plain connections).
func (s *Source) Connect(ctx context.Context, creds source.Credentials) (source.Connection, error) {
	if err := source.Required(creds, "host", "username", "password"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	port := defaultPort
	if raw := creds["port"]; raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("%w: port %q", source.ErrInvalidCredentials, raw)
		}
		port = p
	}
	addr := net.JoinHostPort(creds["host"], strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: s.timeout}
	var (
		c   *client.Client
		err error
	)
	if strings.EqualFold(creds["tls"], "false") {
		c, err = client.DialWithDialer(dialer, addr)
	} else {
		c, err = client.DialWithDialerTLS(dialer, addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", source.ErrDisconnected, addr, err)
	}
	c.Timeout = s.timeout

	if err := c.Login(creds["username"], creds["password"]); err != nil {
		c.Logout()
		return nil, fmt.Errorf("%w: login %s: %v", source.ErrInvalidCredentials, creds["username"], err)
	}

	return &Connection{key: source.ConnectionKey(Kind, creds), client: c}, nil
}

// FetchNewMessages returns the messages of mailbox channelID with UID > afterID.
func (s *Source) FetchNewMessages(ctx context.Context, conn source.Connection, channelID string, afterID int64) ([]source.Message, error) {
	c, ok := conn.(*Connection)
	if !ok {
		return nil, fmt.Errorf("mail: unexpected connection %T", conn)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, fmt.Errorf("%w: connection closed", source.ErrDisconnected)
	}

	if _, err := c.client.Select(channelID, true); err != nil {
		return nil, c.classify("select "+channelID, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(uint32(afterID)+1, 0)
	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return nil, c.classify("uid search", err)
	}

	// "n:*" always matches the newest message, even below n
	var fresh []uint32
	for _, uid := range uids {
		if int64(uid) > afterID {
			fresh = append(fresh, uid)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	if len(fresh) > maxFetch {
		fresh = fresh[len(fresh)-maxFetch:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(fresh...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.client.UidFetch(seqset, items, messages)
	}()

	var out []source.Message
	for msg := range messages {
		out = append(out, source.Message{
			ID:        int64(msg.Uid),
			ChannelID: channelID,
			Text:      messageText(msg, section),
			Time:      envelopeTime(msg),
		})
	}
	if err := <-done; err != nil {
		return nil, c.classify("uid fetch", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// classify maps transport failures to ErrDisconnected and drops the dead client.
func (c *Connection) classify(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, client.ErrNotLoggedIn) || errors.Is(err, io.EOF) || errors.As(err, &netErr) ||
		c.client.State() == imap.LogoutState {
		c.drop()
		return fmt.Errorf("%w: %s: %v", source.ErrDisconnected, op, err)
	}
	return fmt.Errorf("imap %s: %w", op, err)
}

// drop logs out, which closes the socket, and forgets the client. Caller holds c.mu.
func (c *Connection) drop() {
	if c.client.State() != imap.LogoutState {
		_ = c.client.Logout()
	}
	c.client = nil
}

// messageText is the subject followed by the first text part of the body.
func messageText(msg *imap.Message, section *imap.BodySectionName) string {
	var subject string
	if msg.Envelope != nil {
		subject = strings.TrimSpace(msg.Envelope.Subject)
	}

	body := ""
	if r := msg.GetBody(section); r != nil {
		body = readBody(r)
	}

	switch {
	case subject == "":
		return body
	case body == "":
		return subject
	default:
		return subject + "\n" + body
	}
}

func readBody(r io.Reader) string {
	mr, err := gomail.CreateReader(r)
	if err != nil {
		return ""
	}
	defer mr.Close()

	var plain, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		h, ok := p.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}
		contentType, _, _ := h.ContentType()
		switch {
		case contentType == "text/plain" && plain == "":
			plain = string(b)
		case contentType == "text/html" && html == "":
			html = string(b)
		}
	}
	if plain != "" {
		return strings.TrimSpace(plain)
	}
	return strings.TrimSpace(html)
}

func envelopeTime(msg *imap.Message) time.Time {
	if msg.Envelope != nil && !msg.Envelope.Date.IsZero() {
		return msg.Envelope.Date.UTC()
	}
	return time.Now().UTC()
}

func init() {
	source.Register(Kind, func() source.Source { return New() })
}

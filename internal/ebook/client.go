// Package ebook implements the IRC protocol state machine that drives
// searches and queued book downloads against a file-sharing bot, including
// the DCC SEND binary transfer side-channel.
package ebook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/ircbooks/fetcher/internal/queue"
	"github.com/ircbooks/fetcher/internal/telemetry"
)

// ErrBusy reports that a search or download is already in flight. Callers
// must wait for the client to return to idle before issuing a new command.
var ErrBusy = errors.New("client is busy with another transfer")

const eventBuffer = 16

// DownloadEvent describes a finished or failed book download.
type DownloadEvent struct {
	Item  *queue.Item
	Path  string
	Bytes int64
}

// ClientConfig carries the IRC and filesystem settings the client needs.
type ClientConfig struct {
	Channel     string
	Nick        string
	WorkingDir  string
	DialTimeout time.Duration
}

// Client owns the single-flight protocol state: the waiting-for mode, the
// in-flight DCC session and its byte counters, and the set of users last
// reported online. All of that is guarded by one mutex; the queue manager
// has its own and the two are never held nested.
type Client struct {
	transport Transport
	queue     *queue.Manager
	tel       *telemetry.Telemetry
	cfg       ClientConfig
	log       *slog.Logger

	// dial opens the raw DCC byte stream. Swappable for tests.
	dial func(addr string) (net.Conn, error)

	mu          sync.Mutex
	mode        Mode
	generation  uint64
	session     *session
	currentItem *queue.Item
	searchCh    chan SearchResult
	usersOnline map[string]struct{}

	// OnBookCompleted and OnBookFailed receive one event per resolved
	// queue item. Buffered so a slow consumer never stalls the event loop.
	OnBookCompleted chan DownloadEvent
	OnBookFailed    chan DownloadEvent
}

func NewClient(cfg ClientConfig, transport Transport, q *queue.Manager, tel *telemetry.Telemetry) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	return &Client{
		transport:       transport,
		queue:           q,
		tel:             tel,
		cfg:             cfg,
		log:             slog.Default().With("component", "ebook"),
		dial:            func(addr string) (net.Conn, error) { return net.DialTimeout("tcp", addr, cfg.DialTimeout) },
		usersOnline:     map[string]struct{}{},
		OnBookCompleted: make(chan DownloadEvent, eventBuffer),
		OnBookFailed:    make(chan DownloadEvent, eventBuffer),
	}
}

// Connect validates the channel name and establishes the IRC session. The
// channel join happens on the welcome event. One-shot, called at startup.
func (c *Client) Connect(ctx context.Context) error {
	if !strings.HasPrefix(c.cfg.Channel, "#") && !strings.HasPrefix(c.cfg.Channel, "&") {
		return fmt.Errorf("invalid channel name: %q", c.cfg.Channel)
	}

	c.log.InfoContext(ctx, "connecting", "nick", c.cfg.Nick, "channel", c.cfg.Channel)

	if err := c.transport.Connect(); err != nil {
		return fmt.Errorf("irc connect: %w", err)
	}

	return nil
}

// Close tears down the IRC session.
func (c *Client) Close() {
	c.transport.Close()
}

// Mode returns the current single-flight state.
func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mode
}

// Search sends a @search command and blocks until the bot either delivers a
// results listing over DCC or replies that nothing matched. Cancellation is
// cooperative: when ctx is done the caller stops waiting and the mode flips
// back to idle, but an already in-flight transfer is left to finish and its
// result is discarded.
func (c *Client) Search(ctx context.Context, text string) (SearchResult, error) {
	c.mu.Lock()
	if c.mode != ModeIdle {
		c.mu.Unlock()

		return SearchResult{}, ErrBusy
	}

	ch := make(chan SearchResult, 1)
	c.searchCh = ch
	c.mode = ModeAwaitingSearch
	c.generation++
	c.mu.Unlock()

	c.log.Info("searching", "query", text)
	c.tel.RecordSearch()
	c.transport.Privmsg(c.cfg.Channel, "@search "+text)

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		c.mu.Lock()
		if c.searchCh == ch {
			c.searchCh = nil
			if c.mode == ModeAwaitingSearch {
				c.mode = ModeIdle
				c.generation++
			}
		}
		c.mu.Unlock()

		return SearchResult{}, ctx.Err()
	}
}

// CheckUsersOnline issues an ISON query for the given handles. The online
// set is reset first: a reply arriving before this query is not attributable
// and gets overwritten by the next one.
func (c *Client) CheckUsersOnline(names []string) {
	c.mu.Lock()
	c.usersOnline = map[string]struct{}{}
	c.mu.Unlock()

	if len(names) == 0 {
		return
	}

	c.transport.Raw("ISON " + strings.Join(names, " "))
}

// UsersOnline returns a copy of the set from the last ISON reply.
func (c *Client) UsersOnline() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.usersOnline))
	for name := range c.usersOnline {
		out = append(out, name)
	}

	return out
}

// RequestBook enqueues a download request. If the client is idle the head
// item starts immediately instead of waiting for the next processor tick.
func (c *Client) RequestBook(user, filename string) {
	c.queue.Add(user, filename)

	if c.Mode() == ModeIdle {
		c.ProcessQueue()
	}
}

// ProcessQueue starts the head queue item when the client is idle and the
// queue is non-empty. The item is peeked, not popped: it stays at the head
// until the transfer resolves, so the head and the current transfer agree.
// The mode transition commits under the lock, so a search landing between
// the idle check and the commit wins the slot instead of being clobbered.
func (c *Client) ProcessQueue() {
	if c.queue.IsEmpty() {
		return
	}

	c.mu.Lock()
	if c.mode != ModeIdle {
		c.mu.Unlock()

		return
	}

	c.mode = ModeAwaitingBook
	c.generation++
	c.mu.Unlock()

	item := c.queue.PeekNext()
	if item == nil {
		c.mu.Lock()
		c.mode = ModeIdle
		c.mu.Unlock()

		return
	}

	c.queue.SetCurrent(item)

	c.mu.Lock()
	c.currentItem = item
	c.mu.Unlock()

	c.log.Info("requesting book", "command", item.Command)
	c.transport.Privmsg(c.cfg.Channel, item.Command)
}

// CancelCurrentDownload marks the in-flight book as failed and returns the
// client to idle. The DCC stream itself is not aborted: any late bytes are
// still accepted into the orphaned file handle, which is closed when the
// stream disconnects.
func (c *Client) CancelCurrentDownload() {
	c.mu.Lock()
	item := c.currentItem
	c.currentItem = nil
	sess := c.session
	c.session = nil
	c.mode = ModeIdle
	c.generation++
	c.mu.Unlock()

	if sess != nil {
		c.log.Info("orphaning in-flight transfer", "path", sess.path)
	}

	if item == nil {
		return
	}

	c.log.Info("cancelling download", "item", item.String())
	c.queue.MarkCompleted(item, false)
	c.queue.SetCurrent(nil)
	c.tel.RecordDownload("cancelled")
	c.emitFailed(DownloadEvent{Item: item})
}

// Progress returns the received and total byte counts of the in-flight
// transfer, and the completion percentage. The percentage is 0 when the
// total is unknown.
func (c *Client) Progress() (received, total int64, percentage float64) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		return 0, 0, 0
	}

	received = sess.received.Load()
	total = sess.total

	if total > 0 {
		percentage = float64(received) * 100 / float64(total)
	}

	return received, total, percentage
}

// HandleWelcome joins the configured channel once the server accepts us.
func (c *Client) HandleWelcome() {
	defer c.recoverHandler("welcome")

	c.log.Info("connected, joining channel", "channel", c.cfg.Channel)
	c.transport.Join(c.cfg.Channel)
}

// HandleJoin logs our own arrival in a channel.
func (c *Client) HandleJoin(channel string) {
	c.log.Info("joined channel", "channel", channel)
}

// HandleDisconnect logs loss of the IRC session.
func (c *Client) HandleDisconnect() {
	c.log.Warn("disconnected from irc server")
}

// HandlePrivateMessage reacts to direct messages. A "quit" command from an
// operator shuts the connection down; everything else is only logged.
func (c *Client) HandlePrivateMessage(from, text string) {
	defer c.recoverHandler("privmsg")

	c.log.Info("private message", "from", from, "text", text)

	if text == "quit" {
		c.log.Info("received quit command", "from", from)
		c.transport.Close()
	}
}

// HandleChannelMessage logs channel chatter.
func (c *Client) HandleChannelMessage(from, text string) {
	c.log.Debug("channel message", "from", from, "text", text)
}

// HandlePrivateNotice watches for the bot's no-results reply while a search
// is pending. Notices in any other mode are logged and dropped.
func (c *Client) HandlePrivateNotice(target, from, text string) {
	defer c.recoverHandler("notice")

	c.log.Debug("notice", "target", target, "from", from, "text", text)

	if !strings.Contains(text, "returned no matches") && !strings.Contains(text, "Sorry") {
		return
	}

	c.mu.Lock()
	if c.mode != ModeAwaitingSearch {
		c.mu.Unlock()
		c.log.Debug("ignoring no-results notice outside of a search", "mode", c.mode.String())

		return
	}

	c.mode = ModeIdle
	c.generation++
	ch := c.searchCh
	c.searchCh = nil
	c.mu.Unlock()

	c.log.Info("search returned no matches")
	deliver(ch, SearchResult{NoResults: true})
}

// HandleIsonReply stores the server's ISON response.
func (c *Client) HandleIsonReply(text string) {
	defer c.recoverHandler("ison")

	online := map[string]struct{}{}
	for _, name := range strings.Fields(text) {
		online[name] = struct{}{}
	}

	c.mu.Lock()
	c.usersOnline = online
	c.mu.Unlock()

	c.log.Debug("users online", "count", len(online))
}

// recoverHandler keeps a panicking event handler from taking down the
// transport's dispatch loop.
func (c *Client) recoverHandler(name string) {
	if r := recover(); r != nil {
		c.log.Error("event handler panic", "handler", name, "panic", r, "stack", string(debug.Stack()))
	}
}

func (c *Client) emitCompleted(ev DownloadEvent) {
	select {
	case c.OnBookCompleted <- ev:
	default:
		c.log.Warn("dropping completion event, buffer full", "item", ev.Item.String())
	}
}

func (c *Client) emitFailed(ev DownloadEvent) {
	select {
	case c.OnBookFailed <- ev:
	default:
		c.log.Warn("dropping failure event, buffer full", "item", ev.Item.String())
	}
}

// deliver hands a search outcome to the waiter, if one is still listening.
func deliver(ch chan SearchResult, res SearchResult) {
	if ch == nil {
		return
	}

	select {
	case ch <- res:
	default:
	}
}

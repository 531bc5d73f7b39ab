package ebook

import (
	"log/slog"

	irc "github.com/fluffle/goirc/client"
)

// Transport is the outbound surface of the IRC connection. The inbound side
// is delivered by the transport calling the client's Handle* methods; the
// client never parses raw IRC lines itself.
type Transport interface {
	Connect() error
	Join(channel string)
	Privmsg(target, text string)
	Raw(line string)
	Close()
}

// IRCTransport adapts a goirc connection to the Transport interface and
// forwards its parsed events to a Client.
type IRCTransport struct {
	conn *irc.Conn
}

func NewIRCTransport(server, nick string) *IRCTransport {
	cfg := irc.NewConfig(nick, "fetcher", "ebook fetcher")
	cfg.Server = server
	cfg.QuitMessage = "done"

	return &IRCTransport{conn: irc.Client(cfg)}
}

// Bind registers the client's event handlers on the underlying connection.
// goirc dispatches all of these on its single event loop goroutine, so
// handler-internal transitions are sequential.
func (t *IRCTransport) Bind(c *Client) {
	t.conn.HandleFunc(irc.CONNECTED, func(_ *irc.Conn, _ *irc.Line) {
		c.HandleWelcome()
	})

	t.conn.HandleFunc(irc.DISCONNECTED, func(_ *irc.Conn, _ *irc.Line) {
		c.HandleDisconnect()
	})

	t.conn.HandleFunc(irc.JOIN, func(conn *irc.Conn, line *irc.Line) {
		if line.Nick == conn.Me().Nick {
			c.HandleJoin(line.Target())
		}
	})

	t.conn.HandleFunc(irc.PRIVMSG, func(_ *irc.Conn, line *irc.Line) {
		if line.Public() {
			c.HandleChannelMessage(line.Nick, line.Text())
		} else {
			c.HandlePrivateMessage(line.Nick, line.Text())
		}
	})

	t.conn.HandleFunc(irc.NOTICE, func(_ *irc.Conn, line *irc.Line) {
		c.HandlePrivateNotice(line.Target(), line.Nick, line.Text())
	})

	t.conn.HandleFunc(irc.CTCP, func(_ *irc.Conn, line *irc.Line) {
		if len(line.Args) >= 3 && line.Args[0] == "DCC" {
			c.HandleCTCP(line.Target(), line.Nick, line.Text())
		}
	})

	// RPL_ISON
	t.conn.HandleFunc("303", func(_ *irc.Conn, line *irc.Line) {
		c.HandleIsonReply(line.Text())
	})
}

func (t *IRCTransport) Connect() error {
	return t.conn.Connect()
}

func (t *IRCTransport) Join(channel string) {
	t.conn.Join(channel)
}

func (t *IRCTransport) Privmsg(target, text string) {
	t.conn.Privmsg(target, text)
}

func (t *IRCTransport) Raw(line string) {
	t.conn.Raw(line)
}

func (t *IRCTransport) Close() {
	slog.Debug("closing irc connection")
	t.conn.Quit()
}

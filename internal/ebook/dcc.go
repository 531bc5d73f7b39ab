package ebook

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// errTransferActive marks a SEND that lost the race for the single transfer
// slot. It is dropped, never escalated to a failed attempt.
var errTransferActive = errors.New("transfer already in flight")

// session is one in-flight DCC transfer. The file handle is owned by the
// transfer goroutine from open to disconnect, including after the session
// has been orphaned by a cancellation.
type session struct {
	kind       Mode
	generation uint64
	path       string
	file       *os.File
	conn       net.Conn
	total      int64
	received   atomic.Int64
}

// HandleCTCP processes a DCC payload addressed to this client. Only SEND
// requests are acted on; the payload format is
// `SEND "<filename>" <ip-as-decimal> <port> <size>`. While a transfer is
// running, every further SEND is dropped untouched: the failed-attempt reset
// is only for attempts that never produced a transfer, not for killing one
// that did.
func (c *Client) HandleCTCP(target, from, payload string) {
	defer c.recoverHandler("ctcp")

	if !strings.Contains(payload, "SEND") {
		return
	}

	if err := c.acceptSend(from, payload); err != nil {
		if errors.Is(err, errTransferActive) {
			c.log.Warn("ignoring DCC SEND while a transfer is active", "from", from, "payload", payload)

			return
		}

		c.log.Error("rejecting DCC SEND", "from", from, "payload", payload, "err", err)
		c.failTransferAttempt()
	}
}

func (c *Client) acceptSend(from, payload string) error {
	if c.transferActive() {
		return errTransferActive
	}

	tokens := splitQuoted(payload)
	if len(tokens) < 5 {
		return fmt.Errorf("malformed DCC SEND, got %d tokens", len(tokens))
	}

	if tokens[0] != "SEND" {
		return nil
	}

	filename := unquote(tokens[1])

	// Only the base name is trusted; anything else is a traversal attempt.
	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) || base == "" {
		return fmt.Errorf("unusable filename %q", filename)
	}

	addr, err := peerAddr(tokens[2], tokens[3])
	if err != nil {
		return err
	}

	// A lying or absent size field downgrades to unknown, it does not
	// reject the transfer.
	total, err := strconv.ParseInt(tokens[4], 10, 64)
	if err != nil || total < 0 {
		total = 0
	}

	path := filepath.Join(c.cfg.WorkingDir, base)

	// The slot is claimed before the destination is opened so that a losing
	// duplicate SEND can never truncate the file the winner is writing.
	sess := &session{path: path, total: total}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()

		return errTransferActive
	}

	sess.kind = c.mode
	sess.generation = c.generation
	c.session = sess
	c.mu.Unlock()

	c.log.Info("receiving file", "from", from, "file", base, "size", humanize.Bytes(uint64(total)), "path", path)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		c.releaseSession(sess)

		return fmt.Errorf("open destination: %w", err)
	}

	conn, err := c.dial(addr)
	if err != nil {
		file.Close()
		c.releaseSession(sess)

		return fmt.Errorf("dial %s: %w", addr, err)
	}

	sess.file = file
	sess.conn = conn

	go c.runTransfer(sess)

	return nil
}

func (c *Client) transferActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session != nil
}

func (c *Client) releaseSession(sess *session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == sess {
		c.session = nil
	}
}

// runTransfer drains the DCC byte stream into the destination file,
// acknowledging every chunk with the cumulative received count as a 4-byte
// big-endian integer. The running total, not the chunk size, is what tells
// the sender how much is still unacknowledged.
func (c *Client) runTransfer(sess *session) {
	var (
		buf      = make([]byte, 32*1024)
		ack      [4]byte
		lastNote int64
	)

	for {
		n, err := sess.conn.Read(buf)
		if n > 0 {
			if _, werr := sess.file.Write(buf[:n]); werr != nil {
				c.log.Error("write failed mid-transfer", "path", sess.path, "err", werr)

				break
			}

			received := sess.received.Add(int64(n))
			c.tel.AddTransferBytes(int64(n))

			binary.BigEndian.PutUint32(ack[:], uint32(received))
			if _, werr := sess.conn.Write(ack[:]); werr != nil {
				c.log.Error("ack failed mid-transfer", "path", sess.path, "err", werr)

				break
			}

			if received-lastNote >= 1<<20 {
				lastNote = received
				c.log.Debug("transfer progress",
					"path", sess.path,
					"received", humanize.Bytes(uint64(received)),
					"total", humanize.Bytes(uint64(sess.total)))
			}
		}

		if err != nil {
			break
		}
	}

	sess.conn.Close()
	c.finishTransfer(sess)
}

// finishTransfer runs on DCC disconnect. The file handle is always closed;
// state and queue are only touched when the session is still the current
// generation, so a transfer orphaned by cancellation or started under a
// previous search cannot resolve a later one.
func (c *Client) finishTransfer(sess *session) {
	sess.file.Close()

	received := sess.received.Load()

	c.mu.Lock()
	current := c.session == sess && sess.generation == c.generation

	if c.session == sess {
		c.session = nil
	}

	if !current {
		c.mu.Unlock()

		c.log.Info("orphaned transfer closed", "path", sess.path, "received", humanize.Bytes(uint64(received)))

		return
	}

	c.mode = ModeIdle
	c.generation++

	item := c.currentItem
	var ch chan SearchResult

	switch sess.kind {
	case ModeAwaitingSearch:
		ch = c.searchCh
		c.searchCh = nil
	case ModeAwaitingBook:
		c.currentItem = nil
	}
	c.mu.Unlock()

	c.log.Info("transfer complete", "kind", sess.kind.String(), "path", sess.path, "received", humanize.Bytes(uint64(received)))

	switch sess.kind {
	case ModeAwaitingSearch:
		deliver(ch, SearchResult{Path: sess.path})
	case ModeAwaitingBook:
		if item == nil {
			c.log.Warn("book transfer finished without a current item", "path", sess.path)

			return
		}

		c.queue.MarkCompleted(item, true)
		c.queue.SetCurrent(nil)
		c.tel.RecordDownload("completed")
		c.emitCompleted(DownloadEvent{Item: item, Path: sess.path, Bytes: received})
	default:
		// A transfer accepted while idle has nobody to report to.
	}
}

// failTransferAttempt resets the single-flight slot after a
// malformed request or a resource failure, so a transfer that will never
// arrive cannot wedge the client.
func (c *Client) failTransferAttempt() {
	c.mu.Lock()
	mode := c.mode
	item := c.currentItem
	c.currentItem = nil
	ch := c.searchCh
	c.searchCh = nil

	if mode != ModeIdle {
		c.mode = ModeIdle
		c.generation++
	}
	c.mu.Unlock()

	switch mode {
	case ModeAwaitingSearch:
		deliver(ch, SearchResult{NoResults: true})
	case ModeAwaitingBook:
		if item != nil {
			c.queue.MarkCompleted(item, false)
			c.queue.SetCurrent(nil)
			c.tel.RecordDownload("failed")
			c.emitFailed(DownloadEvent{Item: item})
		}
	}
}

// splitQuoted tokenizes on whitespace while keeping double-quoted segments,
// quotes included, as single tokens.
func splitQuoted(s string) []string {
	var (
		tokens   []string
		current  strings.Builder
		inQuotes bool
	)

	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case (r == ' ' || r == '\t') && !inQuotes:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}

	return tokens
}

// unquote strips one pair of enclosing double quotes, if present.
func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}

	return s
}

// peerAddr converts the DCC 32-bit decimal address plus port into a dialable
// host:port string.
func peerAddr(ipToken, portToken string) (string, error) {
	ipNum, err := strconv.ParseUint(ipToken, 10, 32)
	if err != nil {
		return "", fmt.Errorf("bad peer address %q: %w", ipToken, err)
	}

	port, err := strconv.ParseUint(portToken, 10, 16)
	if err != nil || port == 0 {
		return "", fmt.Errorf("bad peer port %q", portToken)
	}

	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, uint32(ipNum))

	return net.JoinHostPort(ip.String(), strconv.FormatUint(port, 10)), nil
}

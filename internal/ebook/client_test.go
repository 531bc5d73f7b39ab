package ebook

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ircbooks/fetcher/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMsg struct {
	target string
	text   string
}

type fakeTransport struct {
	mu     sync.Mutex
	joined []string
	sent   []sentMsg
	raws   []string
	closed bool
}

func (f *fakeTransport) Connect() error { return nil }

func (f *fakeTransport) Join(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, channel)
}

func (f *fakeTransport) Privmsg(target, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{target, text})
}

func (f *fakeTransport) Raw(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raws = append(f.raws, line)
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) lastSent() (sentMsg, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.sent) == 0 {
		return sentMsg{}, false
	}

	return f.sent[len(f.sent)-1], true
}

func newTestClient(t *testing.T) (*Client, *fakeTransport, *queue.Manager) {
	t.Helper()

	transport := &fakeTransport{}
	q := queue.NewManager()
	c := NewClient(ClientConfig{
		Channel:    "#ebooks",
		Nick:       "fetcher1234",
		WorkingDir: t.TempDir(),
	}, transport, q, nil)

	return c, transport, q
}

// pipeDial points the client's DCC dialer at an in-memory pipe and returns
// the bot's end.
func pipeDial(t *testing.T, c *Client) net.Conn {
	t.Helper()

	client, server := net.Pipe()
	require.NoError(t, server.SetDeadline(time.Now().Add(5*time.Second)))

	c.dial = func(string) (net.Conn, error) { return client, nil }

	return server
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal(msg)
}

// sendChunk delivers one data chunk and returns the acknowledged byte count.
func sendChunk(t *testing.T, conn net.Conn, size int) uint32 {
	t.Helper()

	_, err := conn.Write(make([]byte, size))
	require.NoError(t, err)

	var ack [4]byte
	_, err = io.ReadFull(conn, ack[:])
	require.NoError(t, err)

	return binary.BigEndian.Uint32(ack[:])
}

func TestConnectRejectsBadChannel(t *testing.T) {
	transport := &fakeTransport{}
	c := NewClient(ClientConfig{Channel: "ebooks"}, transport, queue.NewManager(), nil)

	err := c.Connect(context.Background())
	assert.ErrorContains(t, err, "invalid channel name")
}

func TestWelcomeJoinsChannel(t *testing.T) {
	c, transport, _ := newTestClient(t)

	c.HandleWelcome()

	assert.Equal(t, []string{"#ebooks"}, transport.joined)
}

func TestJoinIsLogged(t *testing.T) {
	c, _, _ := newTestClient(t)

	var buf bytes.Buffer
	c.log = slog.New(slog.NewTextHandler(&buf, nil))

	c.HandleJoin("#ebooks")

	assert.Contains(t, buf.String(), "joined channel")
	assert.Contains(t, buf.String(), "#ebooks")
}

func TestQuitCommandClosesTransport(t *testing.T) {
	c, transport, _ := newTestClient(t)

	c.HandlePrivateMessage("operator", "hello")
	assert.False(t, transport.closed)

	c.HandlePrivateMessage("operator", "quit")
	assert.True(t, transport.closed)
}

func TestRequestBookStartsImmediatelyWhenIdle(t *testing.T) {
	c, transport, q := newTestClient(t)

	c.RequestBook("alice", "book1.epub")

	msg, ok := transport.lastSent()
	require.True(t, ok)
	assert.Equal(t, "#ebooks", msg.target)
	assert.Equal(t, "!alice book1.epub", msg.text)
	assert.Equal(t, ModeAwaitingBook, c.Mode())

	current, ok := q.Current()
	require.True(t, ok)
	assert.Equal(t, "book1.epub", current.Filename)
	assert.Equal(t, queue.StatusDownloading, current.Status)

	// A second request queues behind the first without sending.
	c.RequestBook("bob", "book2.epub")
	assert.Len(t, transport.sent, 1)
	assert.Equal(t, 2, q.Size())
}

func TestBookTransferLifecycle(t *testing.T) {
	c, _, q := newTestClient(t)
	server := pipeDial(t, c)

	c.RequestBook("alice", "book1.epub")
	c.HandleCTCP("fetcher1234", "alice", `SEND "book1.epub" 2130706433 5000 12345`)

	// Cumulative acknowledgements, never the chunk size alone.
	assert.Equal(t, uint32(4096), sendChunk(t, server, 4096))
	assert.Equal(t, uint32(8192), sendChunk(t, server, 4096))
	assert.Equal(t, uint32(12345), sendChunk(t, server, 4153))

	received, total, pct := c.Progress()
	assert.Equal(t, int64(12345), received)
	assert.Equal(t, int64(12345), total)
	assert.InDelta(t, 100.0, pct, 0.001)

	server.Close()

	select {
	case ev := <-c.OnBookCompleted:
		assert.Equal(t, "book1.epub", ev.Item.Filename)
		assert.Equal(t, int64(12345), ev.Bytes)
		assert.Equal(t, filepath.Join(c.cfg.WorkingDir, "book1.epub"), ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event")
	}

	assert.Equal(t, ModeIdle, c.Mode())
	assert.True(t, q.IsEmpty())
	require.Len(t, q.CompletedItems(), 1)
	assert.Equal(t, queue.StatusCompleted, q.CompletedItems()[0].Status)

	_, ok := q.Current()
	assert.False(t, ok)

	info, err := os.Stat(filepath.Join(c.cfg.WorkingDir, "book1.epub"))
	require.NoError(t, err)
	assert.Equal(t, int64(12345), info.Size())
}

func TestDCCFilenameSanitized(t *testing.T) {
	c, _, _ := newTestClient(t)
	server := pipeDial(t, c)

	c.RequestBook("alice", "book1.epub")
	c.HandleCTCP("fetcher1234", "alice", `SEND "../../etc/passwd" 2130706433 5000 10`)

	sendChunk(t, server, 10)
	server.Close()

	waitFor(t, func() bool { return c.Mode() == ModeIdle }, "transfer never finished")

	// The peer-supplied directory components are discarded.
	_, err := os.Stat(filepath.Join(c.cfg.WorkingDir, "passwd"))
	assert.NoError(t, err)
}

func TestSearchNoResults(t *testing.T) {
	c, transport, _ := newTestClient(t)

	results := make(chan SearchResult, 1)
	go func() {
		res, err := c.Search(context.Background(), "dune")
		assert.NoError(t, err)
		results <- res
	}()

	waitFor(t, func() bool { return c.Mode() == ModeAwaitingSearch }, "search never started")

	msg, ok := transport.lastSent()
	require.True(t, ok)
	assert.Equal(t, "@search dune", msg.text)

	c.HandlePrivateNotice("fetcher1234", "searchbot", "your search returned no matches")

	select {
	case res := <-results:
		assert.True(t, res.NoResults)
		assert.Empty(t, res.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("search never completed")
	}

	assert.Equal(t, ModeIdle, c.Mode())
}

func TestSearchDeliversListing(t *testing.T) {
	c, _, _ := newTestClient(t)
	server := pipeDial(t, c)

	results := make(chan SearchResult, 1)
	go func() {
		res, err := c.Search(context.Background(), "dune")
		assert.NoError(t, err)
		results <- res
	}()

	waitFor(t, func() bool { return c.Mode() == ModeAwaitingSearch }, "search never started")

	c.HandleCTCP("fetcher1234", "searchbot", `SEND "SearchResults.zip" 2130706433 5000 100`)
	sendChunk(t, server, 100)
	server.Close()

	select {
	case res := <-results:
		assert.False(t, res.NoResults)
		assert.Equal(t, filepath.Join(c.cfg.WorkingDir, "SearchResults.zip"), res.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("search never completed")
	}

	assert.Equal(t, ModeIdle, c.Mode())
}

func TestSearchWhileBusy(t *testing.T) {
	c, _, _ := newTestClient(t)

	go c.Search(context.Background(), "first")
	waitFor(t, func() bool { return c.Mode() == ModeAwaitingSearch }, "search never started")

	_, err := c.Search(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestSearchCancelledCooperatively(t *testing.T) {
	c, _, _ := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.Search(ctx, "dune")
		errs <- err
	}()

	waitFor(t, func() bool { return c.Mode() == ModeAwaitingSearch }, "search never started")
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("search never returned")
	}

	assert.Equal(t, ModeIdle, c.Mode())
}

func TestStaleTransferCannotResolveLaterSearch(t *testing.T) {
	c, _, _ := newTestClient(t)
	server := pipeDial(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.Search(ctx, "first")
		errs <- err
	}()

	waitFor(t, func() bool { return c.Mode() == ModeAwaitingSearch }, "search never started")

	// The listing starts arriving, then the caller gives up.
	c.HandleCTCP("fetcher1234", "searchbot", `SEND "old.zip" 2130706433 5000 50`)
	sendChunk(t, server, 25)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)

	// A second search is already pending when the stale transfer finishes.
	results := make(chan SearchResult, 1)
	go func() {
		res, err := c.Search(context.Background(), "second")
		assert.NoError(t, err)
		results <- res
	}()
	waitFor(t, func() bool { return c.Mode() == ModeAwaitingSearch }, "second search never started")

	server.Close()

	// The stale completion must not resolve the new search.
	select {
	case <-results:
		t.Fatal("stale transfer resolved a later search")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, ModeAwaitingSearch, c.Mode())

	c.HandlePrivateNotice("fetcher1234", "searchbot", "Sorry, nothing found")
	select {
	case res := <-results:
		assert.True(t, res.NoResults)
	case <-time.After(2 * time.Second):
		t.Fatal("second search never completed")
	}
}

func TestCancelMidTransfer(t *testing.T) {
	c, _, q := newTestClient(t)
	server := pipeDial(t, c)

	c.RequestBook("alice", "book1.epub")
	c.HandleCTCP("fetcher1234", "alice", `SEND "book1.epub" 2130706433 5000 8192`)

	sendChunk(t, server, 4096)

	c.CancelCurrentDownload()

	assert.Equal(t, ModeIdle, c.Mode())
	require.Len(t, q.CompletedItems(), 1)
	assert.Equal(t, queue.StatusFailed, q.CompletedItems()[0].Status)

	_, ok := q.Current()
	assert.False(t, ok)

	select {
	case ev := <-c.OnBookFailed:
		assert.Equal(t, "book1.epub", ev.Item.Filename)
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}

	// Late bytes are still accepted and acknowledged by the orphaned
	// transfer, then its disconnect closes the file without touching the
	// queue again.
	assert.Equal(t, uint32(8192), sendChunk(t, server, 4096))
	server.Close()

	waitFor(t, func() bool {
		received, _, _ := c.Progress()
		return received == 0
	}, "orphaned session never released")

	assert.Len(t, q.CompletedItems(), 1)
	assert.Equal(t, ModeIdle, c.Mode())

	select {
	case <-c.OnBookCompleted:
		t.Fatal("orphaned transfer emitted a completion")
	default:
	}
}

func TestMalformedDCCFailsAttempt(t *testing.T) {
	c, _, q := newTestClient(t)

	c.RequestBook("alice", "book1.epub")
	require.Equal(t, ModeAwaitingBook, c.Mode())

	c.HandleCTCP("fetcher1234", "alice", "SEND book1.epub 2130706433")

	assert.Equal(t, ModeIdle, c.Mode())
	require.Len(t, q.CompletedItems(), 1)
	assert.Equal(t, queue.StatusFailed, q.CompletedItems()[0].Status)
}

func TestJunkSendIgnoredMidTransfer(t *testing.T) {
	c, _, q := newTestClient(t)
	server := pipeDial(t, c)

	c.RequestBook("alice", "book1.epub")
	c.HandleCTCP("fetcher1234", "alice", `SEND "book1.epub" 2130706433 5000 8192`)

	assert.Equal(t, uint32(4096), sendChunk(t, server, 4096))

	// While a transfer is running, junk and duplicate SENDs are dropped:
	// they must neither fail the in-flight item nor reopen its file.
	c.HandleCTCP("fetcher1234", "troll", "SEND junk 123")
	c.HandleCTCP("fetcher1234", "troll", `SEND "book1.epub" 2130706433 5001 99`)

	assert.Equal(t, ModeAwaitingBook, c.Mode())
	require.Len(t, q.Items(), 1)
	assert.Equal(t, queue.StatusDownloading, q.Items()[0].Status)
	assert.Empty(t, q.CompletedItems())

	assert.Equal(t, uint32(8192), sendChunk(t, server, 4096))
	server.Close()

	select {
	case ev := <-c.OnBookCompleted:
		assert.Equal(t, "book1.epub", ev.Item.Filename)
		assert.Equal(t, int64(8192), ev.Bytes)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event")
	}

	select {
	case <-c.OnBookFailed:
		t.Fatal("dropped SEND failed the live transfer")
	default:
	}

	info, err := os.Stat(filepath.Join(c.cfg.WorkingDir, "book1.epub"))
	require.NoError(t, err)
	assert.Equal(t, int64(8192), info.Size())

	require.Len(t, q.CompletedItems(), 1)
	assert.Equal(t, queue.StatusCompleted, q.CompletedItems()[0].Status)
}

func TestProcessQueueYieldsToActiveSearch(t *testing.T) {
	c, _, q := newTestClient(t)

	results := make(chan SearchResult, 1)

	go func() {
		res, err := c.Search(context.Background(), "some title")
		if err == nil {
			results <- res
		}
	}()

	waitFor(t, func() bool { return c.Mode() == ModeAwaitingSearch }, "search never started")

	q.Add("alice", "a.epub")
	c.ProcessQueue()

	assert.Equal(t, ModeAwaitingSearch, c.Mode())
	require.Len(t, q.Items(), 1)
	assert.Equal(t, queue.StatusPending, q.Items()[0].Status)

	c.HandlePrivateNotice("fetcher1234", "searchbot", "your search returned no matches")

	select {
	case res := <-results:
		assert.True(t, res.NoResults)
	case <-time.After(2 * time.Second):
		t.Fatal("search never resolved")
	}
}

func TestDialFailureFailsSearchAttempt(t *testing.T) {
	c, _, _ := newTestClient(t)
	c.dial = func(string) (net.Conn, error) { return nil, fmt.Errorf("connection refused") }

	results := make(chan SearchResult, 1)
	go func() {
		res, err := c.Search(context.Background(), "dune")
		assert.NoError(t, err)
		results <- res
	}()

	waitFor(t, func() bool { return c.Mode() == ModeAwaitingSearch }, "search never started")

	c.HandleCTCP("fetcher1234", "searchbot", `SEND "SearchResults.zip" 2130706433 5000 100`)

	select {
	case res := <-results:
		assert.True(t, res.NoResults)
	case <-time.After(2 * time.Second):
		t.Fatal("search never completed")
	}

	assert.Equal(t, ModeIdle, c.Mode())
}

func TestNoticeIgnoredOutsideSearch(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.HandlePrivateNotice("fetcher1234", "searchbot", "returned no matches")
	assert.Equal(t, ModeIdle, c.Mode())
}

func TestCheckUsersOnline(t *testing.T) {
	c, transport, _ := newTestClient(t)

	c.HandleIsonReply("stale1 stale2")
	assert.Len(t, c.UsersOnline(), 2)

	// The set resets before the query goes out.
	c.CheckUsersOnline([]string{"alice", "bob"})
	assert.Empty(t, c.UsersOnline())
	require.Len(t, transport.raws, 1)
	assert.Equal(t, "ISON alice bob", transport.raws[0])

	c.HandleIsonReply("alice")
	assert.Equal(t, []string{"alice"}, c.UsersOnline())

	// No query for an empty set.
	c.CheckUsersOnline(nil)
	assert.Len(t, transport.raws, 1)
}

func TestProgressUnknownTotal(t *testing.T) {
	c, _, _ := newTestClient(t)

	received, total, pct := c.Progress()
	assert.Zero(t, received)
	assert.Zero(t, total)
	assert.Zero(t, pct)

	sess := &session{total: 0}
	sess.received.Store(500)
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	received, total, pct = c.Progress()
	assert.Equal(t, int64(500), received)
	assert.Zero(t, total)
	assert.Zero(t, pct)
}

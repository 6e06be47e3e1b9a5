package pop3

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weedbox/popbox"
)

const testPassword = "secret"

type fakeMessage struct {
	uidl string
	raw  string
}

// fakeServer is a minimal POP3 maildrop. DELE takes effect on QUIT only.
type fakeServer struct {
	ln       net.Listener
	mu       sync.Mutex
	messages []fakeMessage
	commands map[string]int
}

func newFakeServer(t *testing.T, messages ...fakeMessage) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{ln: ln, messages: messages, commands: make(map[string]int)}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) options(t *testing.T, password string) Options {
	host, port, err := net.SplitHostPort(s.ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	return Options{Host: host, Port: p, Username: "alice", Password: password}
}

func (s *fakeServer) uidls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []string
	for _, m := range s.messages {
		result = append(result, m.uidl)
	}
	return result
}

// count returns how often a command was received over all sessions
func (s *fakeServer) count(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commands[cmd]
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()

	// Each session works on the maildrop as it was at login
	s.mu.Lock()
	drop := append([]fakeMessage{}, s.messages...)
	s.mu.Unlock()
	deleted := make(map[int]bool)

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	reply := func(lines ...string) {
		for _, line := range lines {
			fmt.Fprintf(w, "%s\r\n", line)
		}
		w.Flush()
	}
	multi := func(status string, body string) {
		fmt.Fprintf(w, "%s\r\n", status)
		for _, line := range strings.Split(strings.TrimSuffix(body, "\r\n"), "\r\n") {
			if strings.HasPrefix(line, ".") {
				line = "." + line
			}
			fmt.Fprintf(w, "%s\r\n", line)
		}
		fmt.Fprint(w, ".\r\n")
		w.Flush()
	}
	message := func(arg string) (fakeMessage, bool) {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 || n > len(drop) || deleted[n] {
			return fakeMessage{}, false
		}
		return drop[n-1], true
	}

	reply("+OK fake pop3 ready")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}

		s.mu.Lock()
		s.commands[strings.ToUpper(fields[0])]++
		s.mu.Unlock()

		switch strings.ToUpper(fields[0]) {
		case "USER":
			reply("+OK")
		case "PASS":
			if len(fields) < 2 || fields[1] != testPassword {
				reply("-ERR invalid credentials")
				continue
			}
			reply("+OK logged in")
		case "STAT":
			reply(fmt.Sprintf("+OK %d 0", len(drop)-len(deleted)))
		case "LIST", "UIDL":
			var lines []string
			for i, m := range drop {
				if deleted[i+1] {
					continue
				}
				if strings.ToUpper(fields[0]) == "LIST" {
					lines = append(lines, fmt.Sprintf("%d %d", i+1, len(m.raw)))
				} else {
					lines = append(lines, fmt.Sprintf("%d %s", i+1, m.uidl))
				}
			}
			fmt.Fprint(w, "+OK\r\n")
			for _, l := range lines {
				fmt.Fprintf(w, "%s\r\n", l)
			}
			fmt.Fprint(w, ".\r\n")
			w.Flush()
		case "TOP":
			m, ok := message(fields[1])
			if !ok {
				reply("-ERR no such message")
				continue
			}
			multi("+OK", string(popbox.HeaderBlock([]byte(m.raw))))
		case "RETR":
			m, ok := message(fields[1])
			if !ok {
				reply("-ERR no such message")
				continue
			}
			multi("+OK", m.raw)
		case "DELE":
			if _, ok := message(fields[1]); !ok {
				reply("-ERR no such message")
				continue
			}
			n, _ := strconv.Atoi(fields[1])
			deleted[n] = true
			reply("+OK marked")
		case "RSET":
			deleted = make(map[int]bool)
			reply("+OK")
		case "NOOP":
			reply("+OK")
		case "QUIT":
			if len(deleted) > 0 {
				s.mu.Lock()
				var kept []fakeMessage
				for _, m := range s.messages {
					gone := false
					for n := range deleted {
						if drop[n-1].uidl == m.uidl {
							gone = true
						}
					}
					if !gone {
						kept = append(kept, m)
					}
				}
				s.messages = kept
				s.mu.Unlock()
			}
			reply("+OK bye")
			return
		default:
			reply("-ERR unknown command")
		}
	}
}

func testMessage(uidl, subject string) fakeMessage {
	return fakeMessage{
		uidl: uidl,
		raw: "From: Bob <bob@example.com>\r\n" +
			"To: alice@example.com\r\n" +
			"Subject: " + subject + "\r\n" +
			"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
			"\r\n" +
			"Hello " + subject + "\r\n",
	}
}

func TestTransport_ListAndFetch(t *testing.T) {
	srv := newFakeServer(t, testMessage("uid-a", "first"), testMessage("uid-b", "second"))
	tr := New(srv.options(t, testPassword))
	ctx := context.Background()

	require.NoError(t, tr.Connect(ctx))
	defer tr.Disconnect(ctx)
	require.NoError(t, tr.Open(ctx, popbox.ModeReadOnly))
	assert.Equal(t, popbox.ModeReadOnly, tr.Mode())

	msgs, err := tr.ListMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, msgs[0].Number)
	assert.Greater(t, msgs[0].Size, int64(0))

	require.NoError(t, tr.Fetch(ctx, msgs, popbox.FetchEnvelope))
	for i, want := range []string{"uid-a", "uid-b"} {
		id, err := tr.Identifier(msgs[i])
		require.NoError(t, err)
		assert.Equal(t, want, id)

		again, err := tr.Identifier(msgs[i])
		require.NoError(t, err)
		assert.Equal(t, id, again)
	}
	assert.Contains(t, string(msgs[1].Header), "Subject: second")
	assert.NotContains(t, string(msgs[1].Header), "Hello")

	env, err := popbox.MIMEConverter{}.Convert(msgs[1])
	require.NoError(t, err)
	assert.Equal(t, "second", env.Subject)

	rc, err := tr.Body(ctx, msgs[0])
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Contains(t, string(body), "Hello first")

	require.NoError(t, tr.Close(ctx, false))
	assert.Equal(t, popbox.ModeClosed, tr.Mode())
}

func TestTransport_FetchRoundTrips(t *testing.T) {
	srv := newFakeServer(t, testMessage("uid-a", "first"), testMessage("uid-b", "second"), testMessage("uid-c", "third"))
	tr := New(srv.options(t, testPassword))
	ctx := context.Background()

	require.NoError(t, tr.Open(ctx, popbox.ModeReadOnly))
	defer tr.Close(ctx, false)

	msgs, err := tr.ListMessages(ctx)
	require.NoError(t, err)

	// Identifiers come from a single UIDL listing
	require.NoError(t, tr.Fetch(ctx, msgs, popbox.FetchIdentifiers))
	assert.Equal(t, 1, srv.count("UIDL"))
	assert.Equal(t, 0, srv.count("TOP"))

	// Headers need one TOP per message on top of it
	require.NoError(t, tr.Fetch(ctx, msgs, popbox.FetchEnvelope))
	assert.Equal(t, 2, srv.count("UIDL"))
	assert.Equal(t, len(msgs), srv.count("TOP"))
	assert.Equal(t, 0, srv.count("RETR"))
}

func TestTransport_CloseWithExpunge(t *testing.T) {
	srv := newFakeServer(t, testMessage("uid-a", "first"), testMessage("uid-b", "second"))
	tr := New(srv.options(t, testPassword))
	ctx := context.Background()

	require.NoError(t, tr.Open(ctx, popbox.ModeReadWrite))
	msgs, err := tr.ListMessages(ctx)
	require.NoError(t, err)
	require.NoError(t, tr.Fetch(ctx, msgs, popbox.FetchIdentifiers))
	assert.Nil(t, msgs[0].Header)

	require.NoError(t, tr.MarkDeleted(ctx, msgs[:1]))
	require.NoError(t, tr.Close(ctx, true))

	assert.Equal(t, []string{"uid-b"}, srv.uidls())
}

func TestTransport_CloseWithoutExpungeResetsDeletions(t *testing.T) {
	srv := newFakeServer(t, testMessage("uid-a", "first"))
	tr := New(srv.options(t, testPassword))
	ctx := context.Background()

	require.NoError(t, tr.Open(ctx, popbox.ModeReadWrite))
	msgs, err := tr.ListMessages(ctx)
	require.NoError(t, err)
	require.NoError(t, tr.MarkDeleted(ctx, msgs))
	require.NoError(t, tr.Close(ctx, false))

	assert.Equal(t, []string{"uid-a"}, srv.uidls())
}

func TestTransport_MarkDeletedReadOnly(t *testing.T) {
	srv := newFakeServer(t, testMessage("uid-a", "first"))
	tr := New(srv.options(t, testPassword))
	ctx := context.Background()

	require.NoError(t, tr.Open(ctx, popbox.ModeReadOnly))
	defer tr.Disconnect(ctx)
	msgs, err := tr.ListMessages(ctx)
	require.NoError(t, err)

	err = tr.MarkDeleted(ctx, msgs)
	assert.ErrorIs(t, err, popbox.ErrReadOnlyFolder)
}

func TestTransport_AuthFailure(t *testing.T) {
	srv := newFakeServer(t)
	tr := New(srv.options(t, "wrong"))

	err := tr.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, popbox.ModeClosed, tr.Mode())
}

func TestTransport_ClosedFolder(t *testing.T) {
	tr := New(Options{Host: "127.0.0.1", Port: 1})
	ctx := context.Background()

	assert.ErrorIs(t, tr.Close(ctx, false), popbox.ErrFolderClosed)
	_, err := tr.ListMessages(ctx)
	assert.ErrorIs(t, err, popbox.ErrFolderClosed)
	assert.NoError(t, tr.Disconnect(ctx))
	assert.Equal(t, popbox.ProtocolPOP3, tr.Protocol())
	assert.Equal(t, popbox.ModeReadWrite, tr.MaxMode())
}

func TestAccess_OverPOP3(t *testing.T) {
	srv := newFakeServer(t,
		testMessage("uid-a", "alpha"),
		testMessage("uid-b", "bravo"),
		testMessage("uid-c", "charlie"),
	)
	ctx := context.Background()
	store := popbox.NewMemoryMetadataStore()
	counters := popbox.NewAtomicCounters()
	conf := popbox.DefaultConfig()
	conf.SyncFrequency = popbox.Duration{}

	access, err := popbox.NewAccess(popbox.AccessOptions{
		Config:    conf,
		Sessions:  popbox.StaticSession{ContextID: 1, UserID: 2, Login: "alice@example.com", Locale: "en"},
		Transport: New(srv.options(t, testPassword)),
		Store:     store,
		Counters:  counters,
	})
	require.NoError(t, err)

	require.NoError(t, access.Open(ctx))
	assert.Equal(t, int64(1), counters.Protocol(popbox.ProtocolPOP3))

	messages, err := access.MessageStorage()
	require.NoError(t, err)
	all, err := messages.GetAllMessages(ctx, popbox.SortSubject, popbox.Descending, popbox.FieldsAll)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "uid-c", all[0].UIDL)

	msg, err := messages.GetMessage(ctx, "uid-a", popbox.GetOptions{MarkSeen: true, WithBody: true})
	require.NoError(t, err)
	assert.Contains(t, string(msg.Body), "Hello alpha")
	assert.True(t, msg.Flags.Has(popbox.FlagSeen))

	require.NoError(t, messages.DeleteMessages(ctx, []string{"uid-b"}))
	require.NoError(t, access.Close(ctx))
	assert.Equal(t, int64(0), counters.Active())

	assert.Equal(t, []string{"uid-a", "uid-c"}, srv.uidls())
	rows, err := store.List(ctx, popbox.Scope{ContextID: 1, UserID: 2}, nil, false)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.True(t, rows["uid-a"].Flags.Has(popbox.FlagSeen))
}

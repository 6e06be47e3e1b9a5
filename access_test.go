package popbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAccess(t *testing.T) {
	_, err := NewAccess(AccessOptions{Store: NewMemoryMetadataStore(), Sessions: testSession()})
	assert.Error(t, err)

	_, err = NewAccess(AccessOptions{Transport: abcTransport(), Sessions: testSession()})
	assert.Error(t, err)

	_, err = NewAccess(AccessOptions{Transport: abcTransport(), Store: NewMemoryMetadataStore()})
	assert.Error(t, err)

	access, err := NewAccess(AccessOptions{Transport: abcTransport(), Store: NewMemoryMetadataStore(), Sessions: testSession()})
	require.NoError(t, err)
	assert.False(t, access.IsConnected())
}

func TestAccess_NotConnected(t *testing.T) {
	access := setupAccess(t, abcTransport(), NewMemoryMetadataStore(), nil)

	_, err := access.MessageStorage()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = access.FolderStorage()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = access.LogicTools()
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.NoError(t, access.Close(context.Background()))
}

func TestAccess_CountersSymmetric(t *testing.T) {
	tr := abcTransport()
	counters := NewAtomicCounters()
	access := setupAccess(t, tr, NewMemoryMetadataStore(), counters)
	ctx := context.Background()

	require.NoError(t, access.Open(ctx))
	require.NoError(t, access.Open(ctx))
	assert.Equal(t, int64(1), counters.Active())
	assert.Equal(t, int64(1), counters.Protocol("fake"))
	assert.Equal(t, 1, tr.count("connect"))
	assert.True(t, access.IsConnected())

	require.NoError(t, access.Close(ctx))
	require.NoError(t, access.Close(ctx))
	assert.Equal(t, int64(0), counters.Active())
	assert.Equal(t, int64(0), counters.Protocol("fake"))
	assert.Equal(t, 1, tr.count("disconnect"))
	assert.False(t, access.IsConnected())

	// A second session counts again
	require.NoError(t, access.Open(ctx))
	assert.Equal(t, int64(1), counters.Active())
	require.NoError(t, access.Close(ctx))
	assert.Equal(t, int64(0), counters.Active())
}

func TestAccess_ConnectFailure(t *testing.T) {
	tr := abcTransport()
	tr.connectErr = errors.New("connection refused")
	counters := NewAtomicCounters()
	access := setupAccess(t, tr, NewMemoryMetadataStore(), counters)
	ctx := context.Background()

	err := access.Open(ctx)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.False(t, access.IsConnected())
	assert.Equal(t, int64(0), counters.Active())

	require.NoError(t, access.Close(ctx))
	assert.Equal(t, int64(0), counters.Active())
}

func TestAccess_SyncFailureServesStaleState(t *testing.T) {
	tr := abcTransport()
	store := NewMemoryMetadataStore()
	counters := NewAtomicCounters()
	ctx := context.Background()

	// A first session syncs successfully
	first := setupAccess(t, tr, store, counters)
	require.NoError(t, first.Open(ctx))
	messages, err := first.MessageStorage()
	require.NoError(t, err)
	require.NoError(t, messages.UpdateFlags(ctx, []string{"a"}, FlagSeen, true))
	require.NoError(t, first.Close(ctx))

	// The next sync fails; Open still succeeds and local state is untouched
	tr.listErr = errors.New("timeout")
	second := setupAccess(t, tr, store, counters)
	require.NoError(t, second.Open(ctx))
	assert.True(t, second.IsConnected())
	assert.Equal(t, int64(1), counters.Active())

	row, err := store.Get(ctx, testScope, "a")
	require.NoError(t, err)
	assert.True(t, row.Flags.Has(FlagSeen))

	last, err := store.LastSync(ctx, testScope)
	require.NoError(t, err)
	assert.False(t, last.IsZero())

	require.NoError(t, second.Close(ctx))
	assert.Equal(t, int64(0), counters.Active())
}

func TestAccess_SyncGated(t *testing.T) {
	tr := abcTransport()
	store := NewMemoryMetadataStore()
	ctx := context.Background()
	require.NoError(t, store.SetLastSync(ctx, testScope, time.Now()))

	access, err := NewAccess(AccessOptions{
		Config:    DefaultConfig(),
		Sessions:  testSession(),
		Transport: tr,
		Store:     store,
	})
	require.NoError(t, err)

	require.NoError(t, access.Open(ctx))
	defer access.Close(ctx)
	assert.Equal(t, 0, tr.count("list"))

	// Reads still load the listing, and unknown messages get rows
	messages, err := access.MessageStorage()
	require.NoError(t, err)
	all, err := messages.GetAllMessages(ctx, SortNone, Ascending, FieldsAll)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, 1, tr.count("list"))

	unseen, err := store.Unseen(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, unseen)
}

func TestAccess_SyncedListingIsReused(t *testing.T) {
	tr := abcTransport()
	access := setupAccess(t, tr, NewMemoryMetadataStore(), nil)
	ctx := context.Background()

	require.NoError(t, access.Open(ctx))
	defer access.Close(ctx)

	messages, err := access.MessageStorage()
	require.NoError(t, err)
	_, err = messages.SearchMessages(ctx, nil)
	require.NoError(t, err)
	_, err = messages.UnreadCount(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, tr.count("list"))
}

func TestAccess_AccessorsCached(t *testing.T) {
	access := setupAccess(t, abcTransport(), NewMemoryMetadataStore(), nil)
	ctx := context.Background()
	require.NoError(t, access.Open(ctx))

	m1, err := access.MessageStorage()
	require.NoError(t, err)
	m2, err := access.MessageStorage()
	require.NoError(t, err)
	assert.Same(t, m1, m2)

	f1, err := access.FolderStorage()
	require.NoError(t, err)
	f2, err := access.FolderStorage()
	require.NoError(t, err)
	assert.Same(t, f1, f2)

	l1, err := access.LogicTools()
	require.NoError(t, err)
	l2, err := access.LogicTools()
	require.NoError(t, err)
	assert.Same(t, l1, l2)

	// A new session gets new instances
	require.NoError(t, access.Close(ctx))
	require.NoError(t, access.Open(ctx))
	m3, err := access.MessageStorage()
	require.NoError(t, err)
	assert.NotSame(t, m1, m3)
	require.NoError(t, access.Close(ctx))
}

func TestAccess_DeferredDeletionVisibility(t *testing.T) {
	tr := abcTransport()
	store := NewMemoryMetadataStore()
	access := setupAccess(t, tr, store, nil)
	ctx := context.Background()

	require.NoError(t, access.Open(ctx))
	messages, err := access.MessageStorage()
	require.NoError(t, err)

	require.NoError(t, messages.DeleteMessages(ctx, []string{"b"}))

	// Still visible until the access closes
	msg, err := messages.GetMessage(ctx, "b", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Report", msg.Envelope.Subject)
	all, err := messages.GetAllMessages(ctx, SortNone, Ascending, FieldsAll)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Len(t, tr.uidls(), 3)

	require.NoError(t, access.Close(ctx))

	require.NoError(t, access.Open(ctx))
	defer access.Close(ctx)
	messages, err = access.MessageStorage()
	require.NoError(t, err)
	_, err = messages.GetMessage(ctx, "b", GetOptions{})
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestAccess_Scenario(t *testing.T) {
	tr := abcTransport()
	store := setupGormMetadataStore(t)
	access := setupAccess(t, tr, store, nil)
	ctx := context.Background()

	// First sync creates three zero-flag rows
	require.NoError(t, access.Open(ctx))
	rows, err := store.List(ctx, testScope, nil, false)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, Flags(0), row.Flags)
	}

	messages, err := access.MessageStorage()
	require.NoError(t, err)
	require.NoError(t, messages.UpdateFlags(ctx, []string{"a"}, FlagSeen, true))
	require.NoError(t, access.Close(ctx))

	// Second sync over the same listing keeps a seen
	require.NoError(t, access.Open(ctx))
	row, err := store.Get(ctx, testScope, "a")
	require.NoError(t, err)
	assert.True(t, row.Flags.Has(FlagSeen))

	messages, err = access.MessageStorage()
	require.NoError(t, err)
	require.NoError(t, messages.DeleteMessages(ctx, []string{"b"}))
	require.NoError(t, access.Close(ctx))

	assert.Equal(t, []string{"a", "c"}, tr.uidls())
	rows, err = store.List(ctx, testScope, nil, false)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Contains(t, rows, "a")
	assert.Contains(t, rows, "c")
	assert.True(t, rows["a"].Flags.Has(FlagSeen))
}

func TestAccess_UnreadAccounting(t *testing.T) {
	tr := abcTransport()
	store := setupGormMetadataStore(t)
	access := setupAccess(t, tr, store, nil)
	ctx := context.Background()

	require.NoError(t, access.Open(ctx))
	defer access.Close(ctx)
	messages, err := access.MessageStorage()
	require.NoError(t, err)

	unread, err := messages.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, unread)

	msg, err := messages.GetMessage(ctx, "b", GetOptions{MarkSeen: true})
	require.NoError(t, err)
	assert.True(t, msg.Flags.Has(FlagSeen))

	unread, err = messages.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, unread)

	// Reading it again changes nothing
	_, err = messages.GetMessage(ctx, "b", GetOptions{MarkSeen: true})
	require.NoError(t, err)
	unread, err = messages.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, unread)

	// Only b's seen bit flipped
	rows, err := store.List(ctx, testScope, nil, false)
	require.NoError(t, err)
	assert.Equal(t, FlagSeen, rows["b"].Flags)
	assert.Equal(t, Flags(0), rows["a"].Flags)
	assert.Equal(t, Flags(0), rows["c"].Flags)
}

func TestAccess_UnsupportedOperations(t *testing.T) {
	tr := abcTransport()
	store := NewMemoryMetadataStore()
	access := setupAccess(t, tr, store, nil)
	ctx := context.Background()

	require.NoError(t, access.Open(ctx))
	messages, err := access.MessageStorage()
	require.NoError(t, err)
	folders, err := access.FolderStorage()
	require.NoError(t, err)

	before, err := store.List(ctx, testScope, nil, true)
	require.NoError(t, err)
	calls := tr.count("open") + tr.count("dele")

	_, err = messages.AppendMessages(ctx, InboxID, [][]byte{[]byte("Subject: x\r\n\r\n")})
	assert.True(t, IsUnsupported(err))
	_, err = messages.MoveMessages(ctx, InboxID, "Archive", []string{"a"})
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = messages.CopyMessages(ctx, InboxID, "Archive", []string{"a"})
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = messages.SaveDraft(ctx, &Draft{Subject: "x"})
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = folders.CreateFolder(ctx, RootFolderID, "Archive")
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = folders.RenameFolder(ctx, InboxID, "Other")
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, folders.DeleteFolder(ctx, InboxID), ErrUnsupported)

	after, err := store.List(ctx, testScope, nil, true)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, calls, tr.count("open")+tr.count("dele"))

	require.NoError(t, access.Close(ctx))
	assert.Len(t, tr.uidls(), 3)
	assert.Equal(t, 0, tr.count("expunge"))
}

func TestAccess_CloseBestEffort(t *testing.T) {
	tr := abcTransport()
	counters := NewAtomicCounters()
	access := setupAccess(t, tr, NewMemoryMetadataStore(), counters)
	ctx := context.Background()

	require.NoError(t, access.Open(ctx))
	messages, err := access.MessageStorage()
	require.NoError(t, err)
	require.NoError(t, messages.DeleteMessages(ctx, []string{"a"}))

	// The expunge listing fails; Close still releases everything
	tr.listErr = errors.New("broken pipe")
	require.NoError(t, access.Close(ctx))
	assert.False(t, access.IsConnected())
	assert.Equal(t, int64(0), counters.Active())
	assert.Len(t, tr.uidls(), 3)

	// The staged deletion is not retried by the next session
	tr.listErr = nil
	require.NoError(t, access.Open(ctx))
	require.NoError(t, access.Close(ctx))
	assert.Len(t, tr.uidls(), 3)
}

func TestAccess_PrometheusCounters(t *testing.T) {
	counters, reg := setupPrometheusCounters(t)
	access := setupAccess(t, abcTransport(), NewMemoryMetadataStore(), counters)
	ctx := context.Background()

	require.NoError(t, access.Open(ctx))
	assert.Equal(t, 1.0, gaugeValue(t, reg, "popbox_active_connections"))
	require.NoError(t, access.Close(ctx))
	require.NoError(t, access.Close(ctx))
	assert.Equal(t, 0.0, gaugeValue(t, reg, "popbox_active_connections"))
}

func TestAccess_HandlesEndWithSession(t *testing.T) {
	tr := abcTransport()
	counters := NewAtomicCounters()
	store := NewMemoryMetadataStore()
	access := setupAccess(t, tr, store, counters)
	ctx := context.Background()

	require.NoError(t, access.Open(ctx))
	messages, err := access.MessageStorage()
	require.NoError(t, err)
	folders, err := access.FolderStorage()
	require.NoError(t, err)
	tools, err := access.LogicTools()
	require.NoError(t, err)
	require.NoError(t, access.Close(ctx))
	opens := tr.count("open")

	_, err = messages.GetMessage(ctx, "b", GetOptions{WithBody: true})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, messages.DeleteMessages(ctx, []string{"a"}), ErrNotConnected)
	assert.ErrorIs(t, messages.UpdateFlags(ctx, []string{"a"}, FlagSeen, true), ErrNotConnected)
	_, err = messages.GetAllMessages(ctx, SortNone, Ascending, FieldsAll)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = messages.UnreadCount(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = messages.MoveMessages(ctx, InboxID, "Archive", []string{"a"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = folders.GetFolder(ctx, InboxID)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = folders.Quota(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, folders.Exists(ctx, InboxID))

	_, err = tools.Reply(ctx, "a", false)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = tools.Forward(ctx, []string{"a"})
	assert.ErrorIs(t, err, ErrNotConnected)

	// Nothing reached the remote mailbox and no session was left uncounted
	assert.Equal(t, opens, tr.count("open"))
	assert.Equal(t, 0, tr.count("body"))
	assert.Equal(t, int64(0), counters.Active())

	row, err := store.Get(ctx, testScope, "a")
	require.NoError(t, err)
	assert.Equal(t, Flags(0), row.Flags)

	// A handle of an earlier session stays closed after a reopen
	require.NoError(t, access.Open(ctx))
	defer access.Close(ctx)
	_, err = messages.GetMessage(ctx, "a", GetOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)

	current, err := access.MessageStorage()
	require.NoError(t, err)
	_, err = current.GetMessage(ctx, "a", GetOptions{})
	assert.NoError(t, err)
	assert.ErrorIs(t, messages.DeleteMessages(ctx, []string{"a"}), ErrNotConnected)

	require.NoError(t, access.Close(ctx))
	assert.Equal(t, []string{"a", "b", "c"}, tr.uidls())
}

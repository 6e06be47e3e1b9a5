package popbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// AccessOptions holds the collaborators of an Access. Transport, Store and
// Sessions are required; the rest have defaults.
type AccessOptions struct {
	Config    *Config            // Defaults to DefaultConfig()
	Sessions  SessionProvider    // Resolves the calling user
	Transport Transport          // Remote mailbox session, owned by the Access
	Store     MetadataStore      // Shared metadata store
	Converter Converter          // Defaults to MIMEConverter
	Counters  ConnectionCounters // Defaults to discarding updates
	Gate      *SyncGate          // Defaults to a gate over Store with Config.SyncFrequency
	Logger    *zerolog.Logger    // Defaults to zerolog.Nop()
}

// Access manages one account's remote mailbox access between Open and Close.
// It is not re-entrant; use one instance per logical access.
type Access struct {
	conf      *Config
	sessions  SessionProvider
	transport Transport
	store     MetadataStore
	converter Converter
	counters  ConnectionCounters
	gate      *SyncGate
	log       zerolog.Logger

	mu        sync.Mutex
	connected bool
	counted   bool // Counters were incremented for the current session
	session   *Session
	pending   *PendingDeletions
	folder    *SafeFolder
	synced    *SyncResult

	// Lazily created per session
	messages *MessageStorage
	folders  *FolderStorage
	tools    *LogicTools
}

// NewAccess creates a closed access
func NewAccess(opts AccessOptions) (*Access, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if opts.Store == nil {
		return nil, errors.New("metadata store cannot be nil")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session provider cannot be nil")
	}

	a := &Access{
		conf:      opts.Config,
		sessions:  opts.Sessions,
		transport: opts.Transport,
		store:     opts.Store,
		converter: opts.Converter,
		counters:  opts.Counters,
		gate:      opts.Gate,
		log:       zerolog.Nop(),
	}

	// Set default values if not provided
	if a.conf == nil {
		a.conf = DefaultConfig()
	}
	if a.converter == nil {
		a.converter = MIMEConverter{}
	}
	if a.counters == nil {
		a.counters = nopCounters{}
	}
	if a.gate == nil {
		a.gate = NewSyncGate(a.store, a.conf.SyncFrequency.Duration)
	}
	if opts.Logger != nil {
		a.log = *opts.Logger
	}
	a.log = a.log.With().Str("protocol", a.transport.Protocol()).Logger()

	return a, nil
}

// Open connects to the remote mailbox and syncs the inbox when the last
// successful sync is older than the configured frequency. Opening an open
// access does nothing. A failed remote sync leaves the local state as it was
// and does not fail Open.
func (a *Access) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}

	session, err := a.sessions.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve session: %w", err)
	}

	if err := a.transport.Connect(ctx); err != nil {
		return protocolError("connect", err)
	}
	a.counters.Inc(a.transport.Protocol())
	a.counted = true

	a.session = session
	a.pending = NewPendingDeletions()
	a.folder = NewSafeFolder(a.transport, a.conf.RelaxReadOnly, a.log)
	a.connected = true

	log := a.log.With().Stringer("session", session).Logger()

	scope := session.Scope()
	syncer := NewSynchronizer(a.folder, a.transport, a.store, a.converter, log)
	ran, err := a.gate.Run(ctx, scope, func(ctx context.Context) error {
		result, err := syncer.Sync(ctx, scope)
		if err != nil {
			return err
		}
		a.synced = result
		return nil
	})

	switch {
	case err == nil && !ran:
		log.Debug().Msg("Sync not due, serving local state")
	case errors.Is(err, ErrProtocol):
		// Stale local data is served instead
		log.Warn().Err(err).Msg("Inbox sync failed")
	case err != nil:
		log.Error().Err(err).Msg("Inbox sync failed, closing access")
		a.release(ctx)
		return err
	}

	return nil
}

// Close commits staged deletions, disconnects and resets the access. Closing
// a closed access does nothing. Remote failures are logged; a failure to
// remove metadata of expunged messages is returned.
func (a *Access) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil
	}

	var errs []error
	expunged, err := a.folder.CloseAndExpunge(ctx, a.pending)
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to apply staged deletions")
	}
	if len(expunged) > 0 {
		if _, err := a.store.Delete(ctx, a.session.Scope(), expunged); err != nil {
			errs = append(errs, persistenceError("delete expunged metadata", err))
		}
		a.log.Info().Int("count", len(expunged)).Msg("Expunged messages")
	}

	a.release(ctx)
	return errors.Join(errs...)
}

// release disconnects, balances the counters and drops per-session state
func (a *Access) release(ctx context.Context) {
	if err := a.transport.Disconnect(ctx); err != nil {
		a.log.Warn().Err(err).Msg("Failed to disconnect")
	}
	if a.counted {
		a.counters.Dec(a.transport.Protocol())
		a.counted = false
	}

	a.connected = false
	a.session = nil
	a.pending = nil
	a.folder = nil
	a.synced = nil
	a.messages = nil
	a.folders = nil
	a.tools = nil
}

// IsConnected reports whether the access is open
func (a *Access) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.connected
}

// MessageStorage returns the message operations of the open session
func (a *Access) MessageStorage() (*MessageStorage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil, notConnected("message storage")
	}
	return a.messageStorage(), nil
}

// FolderStorage returns the folder operations of the open session
func (a *Access) FolderStorage() (*FolderStorage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil, notConnected("folder storage")
	}
	if a.folders == nil {
		a.folders = newFolderStorage(a.messageStorage(), a.transport.MaxMode() < ModeReadWrite)
	}
	return a.folders, nil
}

// LogicTools returns the reply and forward helpers of the open session
func (a *Access) LogicTools() (*LogicTools, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil, notConnected("logic tools")
	}
	if a.tools == nil {
		a.tools = newLogicTools(a.messageStorage(), a.session)
	}
	return a.tools, nil
}

// owns reports whether session is the live session of the access
func (a *Access) owns(session *Session) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.connected && session != nil && a.session == session
}

func (a *Access) messageStorage() *MessageStorage {
	if a.messages == nil {
		a.messages = newMessageStorage(a)
		if a.synced != nil {
			a.messages.seed(a.synced.Messages)
		}
	}
	return a.messages
}

var _ MailAccess = (*Access)(nil)

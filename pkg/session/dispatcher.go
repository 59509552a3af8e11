package session

import (
	"context"
	"iter"
	"slices"

	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-chat/pkg/metrics"
	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

// HandlerFunc serves one request frame. State changes happen before it
// returns; the response frames are produced lazily as the caller iterates.
type HandlerFunc func(ctx context.Context, s *Session, f protocol.Frame) iter.Seq[protocol.Frame]

// Config tunes the dispatcher
type Config struct {
	CompatibleVersions []uint8
	MaxMessageLength   int
	MaxNameLength      int
}

// DefaultConfig accepts the current protocol version only
func DefaultConfig() Config {
	return Config{
		CompatibleVersions: []uint8{protocol.Version},
		MaxMessageLength:   4096,
		MaxNameLength:      storage.MaxNameLength,
	}
}

// Dispatcher applies the session rules to each frame and routes requests
// to their handlers
type Dispatcher struct {
	store    storage.Store
	registry *Registry
	cfg      Config
	logger   zerolog.Logger
	handlers map[protocol.Opcode]HandlerFunc
}

// NewDispatcher creates a dispatcher with the standard request handlers
func NewDispatcher(store storage.Store, registry *Registry, cfg Config, logger zerolog.Logger) *Dispatcher {
	if len(cfg.CompatibleVersions) == 0 {
		cfg.CompatibleVersions = []uint8{protocol.Version}
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultConfig().MaxMessageLength
	}
	if cfg.MaxNameLength <= 0 || cfg.MaxNameLength > storage.MaxNameLength {
		cfg.MaxNameLength = storage.MaxNameLength
	}

	d := &Dispatcher{
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		handlers: make(map[protocol.Opcode]HandlerFunc),
	}

	d.handlers[protocol.OpCreateAccountRequest] = d.handleCreateAccount
	d.handlers[protocol.OpLoginRequest] = d.handleLogin
	d.handlers[protocol.OpDeleteAccountRequest] = d.handleDeleteAccount
	d.handlers[protocol.OpListAccountsRequest] = d.handleListAccounts
	d.handlers[protocol.OpSendMessageRequest] = d.handleSendMessage
	d.handlers[protocol.OpPullMessagesRequest] = d.handlePullMessages

	return d
}

// Registry returns the live-session registry used for pushes
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Store returns the backing store
func (d *Dispatcher) Store() storage.Store {
	return d.store
}

func (d *Dispatcher) compatible(version uint8) bool {
	return slices.Contains(d.cfg.CompatibleVersions, version)
}

// Dispatch runs one received frame through the session state machine.
// An ended session yields nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, f protocol.Frame) iter.Seq[protocol.Frame] {
	metrics.FramesReceived.WithLabelValues(f.Opcode.String()).Inc()

	switch s.State() {
	case StateEnded:
		return none
	case StateAwaitVersion:
		if !d.compatible(f.Version) {
			d.endSession(s, EndVersionMismatch)
			return none
		}
		s.activate()
	default:
		// incompatible versions end the session at any point
		if !d.compatible(f.Version) {
			d.endSession(s, EndVersionMismatch)
			return none
		}
	}

	op := f.Opcode
	switch {
	case !op.IsKnown():
		metrics.UnknownOpcodes.Inc()
		if s.countUnknown() < 2 {
			return frames(protocol.NewFrame(protocol.OpUnknownOpcode, nil))
		}
		d.endSession(s, EndUnknownOpcode)
		return frames(
			protocol.NewFrame(protocol.OpUnknownOpcode, nil),
			protocol.NewFrame(protocol.OpEndSessionSuccess, nil),
		)

	case op.IsServerOriginated():
		d.logger.Debug().Str("session", s.ID).Stringer("opcode", op).Msg("Ignoring server-originated opcode")
		return none

	case op == protocol.OpHeartbeat:
		return none

	case op == protocol.OpEndSessionRequest:
		d.endSession(s, EndRequested)
		return frames(protocol.NewFrame(protocol.OpEndSessionSuccess, nil))
	}

	h, ok := d.handlers[op]
	if !ok {
		return none
	}
	return h(ctx, s, f)
}

func (d *Dispatcher) endSession(s *Session, reason string) {
	if !s.end(reason) {
		return
	}
	metrics.SessionsEnded.WithLabelValues(reason).Inc()
	d.logger.Debug().Str("session", s.ID).Str("reason", reason).Msg("Session ended")
}

// malformed ends s after a request payload failed to decode
func (d *Dispatcher) malformed(s *Session, f protocol.Frame, err error) iter.Seq[protocol.Frame] {
	metrics.MalformedFrames.Inc()
	d.logger.Warn().Err(err).Str("session", s.ID).Stringer("opcode", f.Opcode).Msg("Malformed payload")
	d.endSession(s, EndMalformedFrame)
	return none
}

func none(yield func(protocol.Frame) bool) {}

func frames(fs ...protocol.Frame) iter.Seq[protocol.Frame] {
	return slices.Values(fs)
}

func failure(op protocol.Opcode, reason string) iter.Seq[protocol.Frame] {
	r := protocol.Reason{Text: reason}
	return frames(protocol.NewFrame(op, r.Encode()))
}

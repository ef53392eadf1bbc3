// Package session owns Hibiki's single connection to the messaging network.
//
// A Manager drives a Transport through Closed → Connecting → Open, classifies
// every disconnect as terminal or retryable, reconnects with capped
// exponential backoff, and publishes state changes and inbound messages on
// one ordered channel. Pacer sits on top of it and sends replies with
// human-like timing.
package session

import (
	"context"
	"errors"
	"time"
)

// Disconnect causes a Transport reports. Any other error is retryable.
var (
	// ErrLoggedOut means the credentials were revoked or the account is
	// gone. A new pairing is needed.
	ErrLoggedOut = errors.New("session: logged out")

	// ErrReplaced means another device took over the session.
	ErrReplaced = errors.New("session: replaced by another device")

	// ErrProtocolMismatch means the server no longer speaks a protocol the
	// transport understands.
	ErrProtocolMismatch = errors.New("session: protocol mismatch")
)

var (
	// ErrNotConnected is returned by sends while the session is not open.
	// Callers should not retry immediately.
	ErrNotConnected = errors.New("session: not connected")

	// ErrMediaUnavailable wraps every media download failure.
	ErrMediaUnavailable = errors.New("session: media unavailable")

	// ErrAttemptsExhausted is reported as the terminal cause once the
	// reconnect attempt cap is reached.
	ErrAttemptsExhausted = errors.New("session: reconnect attempts exhausted")
)

// State is the connection state.
type State int

const (
	Closed State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

// Disposition is the outcome of classifying a disconnect.
type Disposition int

const (
	Retryable Disposition = iota
	Terminal
)

func (d Disposition) String() string {
	if d == Terminal {
		return "terminal"
	}
	return "retryable"
}

// Classify maps a disconnect cause to a Disposition. Revoked credentials,
// a replaced device and a protocol mismatch are terminal; everything else,
// including a nil cause (the server closed the stream), is retryable.
func Classify(err error) Disposition {
	switch {
	case errors.Is(err, ErrLoggedOut),
		errors.Is(err, ErrReplaced),
		errors.Is(err, ErrProtocolMismatch),
		errors.Is(err, ErrAttemptsExhausted):
		return Terminal
	default:
		return Retryable
	}
}

// Session is a snapshot of the connection.
type Session struct {
	State             State
	ReconnectAttempts int
	LastError         error
	Terminal          bool // stopped after a terminal disconnect
	PairingPending    bool
	Since             time.Time // when State was entered
}

// MediaKind is the type of media attached to an inbound message.
type MediaKind string

const (
	MediaNone     MediaKind = ""
	MediaAudio    MediaKind = "audio"
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// MediaRef locates downloadable media.
type MediaRef struct {
	URI      string
	MimeType string
	Size     int64
	Duration time.Duration // audio and video, when the sender reported it
	FileName string
}

// InboundMessage is a message received from the network. It is not
// modified after the transport builds it.
type InboundMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	FromSelf       bool
	TimestampMs    int64
	Body           string
	MediaKind      MediaKind
	MediaCaption   string
	Media          *MediaRef
}

// Time returns the message timestamp.
func (m InboundMessage) Time() time.Time { return time.UnixMilli(m.TimestampMs) }

// Payload is an outbound message: text, or media with an optional caption.
type Payload struct {
	Text     string
	Media    []byte
	MimeType string
	Caption  string
	FileName string

	// Notice marks a system message. Transports that distinguish bot
	// notices from chat text send it as one.
	Notice bool
}

// Transport is the messaging-network collaborator.
type Transport interface {
	// Dial performs the handshake. When authentication is needed it calls
	// pair with a pairing artifact, again each time a fresh artifact
	// supersedes the last, and blocks until pairing completes or ctx ends.
	Dial(ctx context.Context, pair func(artifact string)) error

	// Listen receives messages until the connection drops and returns the
	// cause. deliver is called from Listen's goroutine, in order.
	Listen(ctx context.Context, deliver func(InboundMessage)) error

	// Send delivers a payload and returns the network's message id.
	Send(ctx context.Context, conversationID string, p Payload) (string, error)

	// SetComposing shows or hides the typing indicator.
	SetComposing(ctx context.Context, conversationID string, on bool) error

	// Download fetches media bytes.
	Download(ctx context.Context, ref MediaRef) ([]byte, error)

	// Forget drops stored credentials so the next Dial pairs again.
	Forget(ctx context.Context) error

	// Close releases the transport's resources.
	Close() error
}

// EventKind distinguishes Event payloads.
type EventKind int

const (
	StateChanged EventKind = iota
	MessageReceived
)

// Event is published on Manager.Events. For StateChanged the state fields
// are set; for MessageReceived only Message is.
type Event struct {
	Kind EventKind

	State           State
	Err             error
	Terminal        bool
	Attempt         int
	RetryIn         time.Duration
	PairingRequired bool

	Message InboundMessage
}

// Package adapter is the boundary to the messaging protocol library. The
// session manager only sees Connector, Conn and the closed Event set below.
package adapter

import (
	"context"
	"encoding/json"
	"time"

	"gowa-gateway/internal/credstore"
	"gowa-gateway/internal/model"

	"github.com/rs/zerolog"
)

type EventKind int

const (
	EventQR EventKind = iota + 1
	EventOpen
	EventClose
	EventCreds
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventCreds:
		return "creds"
	case EventMessage:
		return "message"
	}
	return "unknown"
}

// Close codes, numbered like the HTTP-ish codes the web client uses.
const (
	CodeLoggedOut        = 401
	CodeForbidden        = 403
	CodeClientOutdated   = 405
	CodeQRTimeout        = 408
	CodeConnectionClosed = 428
	CodeStreamReplaced   = 440
	CodeConnectFailed    = 500
)

// CloseReason explains why a connection ended.
type CloseReason struct {
	Code      int
	LoggedOut bool
	Reason    string
	Err       error
}

// Event is one notification from a live connection.
type Event struct {
	Kind    EventKind
	QR      string
	Me      *model.Identity
	Close   *CloseReason
	Creds   []byte
	Message *InboundMessage
}

// MessageKey identifies an inbound message the way webhook consumers expect.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// InboundMessage is a received message in its webhook shape.
type InboundMessage struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName,omitempty"`
	MessageTimestamp int64           `json:"messageTimestamp"`
	Text             string          `json:"text,omitempty"`
	Type             string          `json:"type,omitempty"`
	Message          json.RawMessage `json:"message,omitempty"`
}

type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImage    ContentKind = "image"
	ContentVideo    ContentKind = "video"
	ContentAudio    ContentKind = "audio"
	ContentDocument ContentKind = "document"
	ContentLocation ContentKind = "location"
	ContentSticker  ContentKind = "sticker"
	ContentContact  ContentKind = "contact"
	ContentRaw      ContentKind = "raw"
)

// Quote points at the message a reply refers to.
type Quote struct {
	ID     string
	Sender string
	Text   string
}

// Content is an outbound message before protocol encoding.
type Content struct {
	Kind ContentKind

	Text     string
	Mentions []string // full JIDs

	Data     []byte
	Mimetype string
	Caption  string
	Filename string
	GIF      bool
	PTT      bool

	Lat     float64
	Lng     float64
	Name    string
	Address string

	DisplayName string
	VCard       string

	// Raw is a protocol-native message in its JSON form.
	Raw json.RawMessage

	Quote *Quote
}

type SendResult struct {
	ID        string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

type ConnectOptions struct {
	SessionID string
	Material  *credstore.Material
	Logger    zerolog.Logger
	Proxy     string
}

// Conn is one live protocol connection. Events is closed after a Close
// event has been delivered or after End.
type Conn interface {
	Events() <-chan Event
	Send(ctx context.Context, to string, content Content) (SendResult, error)
	// End closes the connection without invalidating credentials.
	End() error
}

type Connector interface {
	Connect(ctx context.Context, opts ConnectOptions) (Conn, error)
}

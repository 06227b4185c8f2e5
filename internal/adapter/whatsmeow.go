package adapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"gowa-gateway/database"
	"gowa-gateway/internal/model"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

const storeFile = "store.db"

// credsSnapshot is the blob saved after pairing. The real key material
// lives in store.db next to it.
type credsSnapshot struct {
	JID      string `json:"jid"`
	PushName string `json:"pushName,omitempty"`
	Platform string `json:"platform,omitempty"`
	SavedAt  int64  `json:"savedAt"`
}

// WhatsmeowConnector opens one whatsmeow client per session, each backed
// by its own sqlite device store inside the session's credential directory.
type WhatsmeowConnector struct{}

var devicePropsOnce sync.Once

// NewWhatsmeowConnector sets the device name shown in the phone's linked
// devices list. The setting is process wide.
func NewWhatsmeowConnector(deviceName string) *WhatsmeowConnector {
	devicePropsOnce.Do(func() {
		if deviceName != "" {
			store.DeviceProps.Os = proto.String(deviceName)
		}
	})
	return &WhatsmeowConnector{}
}

func (w *WhatsmeowConnector) Connect(ctx context.Context, opts ConnectOptions) (Conn, error) {
	if opts.Material == nil {
		return nil, errors.New("missing credential material")
	}

	db, err := sql.Open("sqlite", database.SQLiteDSN(filepath.Join(opts.Material.Dir, storeFile)))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	waLogger := waLog.Zerolog(opts.Logger.With().Str("component", "whatsmeow").Logger())
	container := sqlstore.NewWithDB(db, "sqlite", waLogger)
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("upgrade device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLogger)
	// reconnects are driven by the session manager
	client.EnableAutoReconnect = false
	if opts.Proxy != "" {
		if err := client.SetProxyAddress(opts.Proxy); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &whatsmeowConn{
		client: client,
		db:     db,
		logger: opts.Logger,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	client.AddEventHandler(c.handle)

	if client.Store.ID == nil {
		qrCh, err := client.GetQRChannel(connCtx)
		if err != nil {
			_ = c.End()
			return nil, fmt.Errorf("get qr channel: %w", err)
		}
		go c.pumpQR(qrCh)
	}

	if err := client.Connect(); err != nil {
		_ = c.End()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return c, nil
}

type whatsmeowConn struct {
	client *whatsmeow.Client
	db     *sql.DB
	logger zerolog.Logger

	mu       sync.Mutex
	events   chan Event
	finished bool

	done    chan struct{}
	endOnce sync.Once
	cancel  context.CancelFunc
}

func (c *whatsmeowConn) Events() <-chan Event { return c.events }

func (c *whatsmeowConn) End() error {
	var err error
	c.endOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.client.Disconnect()
		err = c.db.Close()

		c.mu.Lock()
		if !c.finished {
			c.finished = true
			close(c.events)
		}
		c.mu.Unlock()
	})
	return err
}

// emit delivers e unless the connection has ended. A Close event is the last
// one; the channel is closed right after it.
func (c *whatsmeowConn) emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- e:
	case <-c.done:
		return
	}
	if e.Kind == EventClose {
		c.finished = true
		close(c.events)
	}
}

func (c *whatsmeowConn) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(Event{Kind: EventQR, QR: item.Code})
		case "success":
			// PairSuccess and Connected carry the details
		case "timeout":
			c.emit(Event{Kind: EventClose, Close: &CloseReason{Code: CodeQRTimeout, Reason: "qr timeout"}})
		default:
			reason := &CloseReason{Code: CodeConnectFailed, Reason: item.Event, Err: item.Error}
			if item.Event == "err-client-outdated" {
				reason.Code = CodeClientOutdated
			}
			c.emit(Event{Kind: EventClose, Close: reason})
		}
	}
}

func (c *whatsmeowConn) handle(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		me := c.identity()
		if me == nil {
			return
		}
		c.emit(Event{Kind: EventCreds, Creds: c.snapshot("")})
		c.emit(Event{Kind: EventOpen, Me: me})

	case *events.PairSuccess:
		c.emit(Event{Kind: EventCreds, Creds: c.snapshot(evt.Platform)})

	case *events.LoggedOut:
		c.emit(Event{Kind: EventClose, Close: &CloseReason{
			Code:      CodeLoggedOut,
			LoggedOut: true,
			Reason:    evt.Reason.String(),
		}})

	case *events.ConnectFailure:
		reason := &CloseReason{Code: int(evt.Reason), Reason: evt.Message}
		if evt.Reason.IsLoggedOut() {
			reason.Code = CodeLoggedOut
			reason.LoggedOut = true
		}
		c.emit(Event{Kind: EventClose, Close: reason})

	case *events.ClientOutdated:
		c.emit(Event{Kind: EventClose, Close: &CloseReason{Code: CodeClientOutdated, Reason: "client outdated"}})

	case *events.StreamReplaced:
		c.emit(Event{Kind: EventClose, Close: &CloseReason{Code: CodeStreamReplaced, Reason: "stream replaced"}})

	case *events.Disconnected:
		c.emit(Event{Kind: EventClose, Close: &CloseReason{Code: CodeConnectionClosed, Reason: "connection closed"}})

	case *events.TemporaryBan:
		c.logger.Warn().Str("ban", evt.String()).Msg("account temporarily banned")

	case *events.Message:
		msg, err := toInbound(evt)
		if err != nil {
			c.logger.Warn().Err(err).Str("id", string(evt.Info.ID)).Msg("skip undecodable message")
			return
		}
		c.emit(Event{Kind: EventMessage, Message: msg})
	}
}

func (c *whatsmeowConn) identity() *model.Identity {
	if c.client.Store == nil || c.client.Store.ID == nil {
		return nil
	}
	return &model.Identity{
		ID:   c.client.Store.ID.ToNonAD().String(),
		Name: c.client.Store.PushName,
	}
}

func (c *whatsmeowConn) snapshot(platform string) []byte {
	snap := credsSnapshot{SavedAt: time.Now().UnixMilli(), Platform: platform}
	if c.client.Store != nil {
		if c.client.Store.ID != nil {
			snap.JID = c.client.Store.ID.String()
		}
		snap.PushName = c.client.Store.PushName
	}
	b, _ := json.Marshal(snap)
	return b
}

func (c *whatsmeowConn) Send(ctx context.Context, to string, content Content) (SendResult, error) {
	if !c.client.IsConnected() || !c.client.IsLoggedIn() {
		return SendResult{}, ErrNotConnected
	}
	jid, err := types.ParseJID(to)
	if err != nil {
		return SendResult{}, fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	msg, err := buildMessage(ctx, c.client, content)
	if err != nil {
		return SendResult{}, err
	}
	resp, err := c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("send message: %w", err)
	}
	return SendResult{ID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

const maxMediaBytes = 64 << 20

// OpenStore opens the SQLite container holding the local credentials of
// every session device.
func OpenStore(ctx context.Context, path string, logger *slog.Logger) (*sqlstore.Container, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", path),
		newWALogger(logger, "session-store"))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return container, nil
}

type WhatsmeowFactory struct {
	container *sqlstore.Container
	http      *http.Client
	log       *slog.Logger
}

var _ Factory = (*WhatsmeowFactory)(nil)

func NewWhatsmeowFactory(container *sqlstore.Container, logger *slog.Logger) *WhatsmeowFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsmeowFactory{
		container: container,
		http:      &http.Client{Timeout: 60 * time.Second},
		log:       logger,
	}
}

func (f *WhatsmeowFactory) Open(ctx context.Context, d model.Device, emit func(Event)) (Session, error) {
	var dev *store.Device
	if d.SessionRef != "" {
		jid, err := types.ParseJID(d.SessionRef)
		if err != nil {
			return nil, fmt.Errorf("parse session ref of %s: %w", d.ID, err)
		}
		dev, err = f.container.GetDevice(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("load session of %s: %w", d.ID, err)
		}
	}
	if dev == nil {
		dev = f.container.NewDevice()
	}

	log := f.log.With("device_id", d.ID)
	cli := whatsmeow.NewClient(dev, newWALogger(log, "client"))
	// Reconnection is the supervisor's call.
	cli.EnableAutoReconnect = false

	s := &waSession{
		cli:    cli,
		device: d,
		emit:   emit,
		http:   f.http,
		log:    log,
	}
	cli.AddEventHandler(s.handle)
	return s, nil
}

type waSession struct {
	cli    *whatsmeow.Client
	device model.Device
	emit   func(Event)
	http   *http.Client
	log    *slog.Logger
}

func (s *waSession) Connect(ctx context.Context) error {
	if s.cli.Store.ID != nil {
		if err := s.cli.Connect(); err != nil {
			return apperr.Wrap(apperr.KindConnection, err, "connect session")
		}
		return nil
	}

	qr, err := s.cli.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("open pairing channel: %w", err)
	}
	if err := s.cli.Connect(); err != nil {
		return apperr.Wrap(apperr.KindConnection, err, "connect session")
	}
	go s.watchPairing(ctx, qr)
	return nil
}

func (s *waSession) watchPairing(ctx context.Context, qr <-chan whatsmeow.QRChannelItem) {
	byCode := s.device.Settings.PairingMode == model.PairingModeCode
	codeSent := false

	for item := range qr {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			if !byCode {
				s.emit(Event{Kind: EventPairing, Code: item.Code, PairingKind: model.PairingModeQR})
				continue
			}
			// A linking code stays valid while the QR rotates underneath.
			if codeSent {
				continue
			}
			codeSent = true
			code, err := s.cli.PairPhone(ctx, s.device.Settings.PairingPhone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
			if err != nil {
				s.log.Error("phone pairing failed", "error", err)
				s.emit(Event{Kind: EventPairingTimeout, Reason: "phone pairing failed: " + err.Error()})
				return
			}
			s.emit(Event{Kind: EventPairing, Code: code, PairingKind: model.PairingModeCode})
		case whatsmeow.QRChannelTimeout.Event:
			s.emit(Event{Kind: EventPairingTimeout, Reason: "pairing timed out"})
		case whatsmeow.QRChannelSuccess.Event:
			s.log.Info("pairing succeeded")
		case whatsmeow.QRChannelEventError:
			reason := "pairing failed"
			if item.Error != nil {
				reason += ": " + item.Error.Error()
			}
			s.emit(Event{Kind: EventPairingTimeout, Reason: reason})
		default:
			s.log.Warn("pairing aborted", "event", item.Event)
			s.emit(Event{Kind: EventPairingTimeout, Reason: "pairing aborted: " + item.Event})
		}
	}
}

func (s *waSession) handle(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		var address, ref string
		if id := s.cli.Store.ID; id != nil {
			address, ref = id.User, id.String()
		}
		s.emit(Event{Kind: EventConnected, Address: address, Ref: ref})

	case *events.Disconnected:
		s.emit(Event{Kind: EventDisconnected, Reason: "connection lost"})

	case *events.StreamReplaced:
		s.emit(Event{Kind: EventDisconnected, Reason: "stream replaced by another client"})

	case *events.LoggedOut:
		s.emit(Event{Kind: EventLoggedOut, Reason: "logged out: " + v.Reason.String()})

	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			s.emit(Event{Kind: EventLoggedOut, Reason: "connect failure: " + v.Reason.String()})
			return
		}
		s.emit(Event{Kind: EventDisconnected, Reason: "connect failure: " + v.Reason.String()})

	case *events.Message:
		if v.Info.IsFromMe || v.Info.Chat.Server == types.BroadcastServer {
			return
		}
		content, ok := contentOf(v.Message)
		if !ok {
			return
		}
		s.emit(Event{Kind: EventMessage, Inbound: &Inbound{
			ExternalID: v.Info.ID,
			Sender:     counterpartOf(v.Info.Chat),
			Content:    content,
			At:         v.Info.Timestamp,
		}})

	case *events.Receipt:
		if v.IsFromMe {
			return
		}
		status, ok := receiptStatus(v.Type)
		if !ok {
			return
		}
		ids := make([]string, len(v.MessageIDs))
		for i, id := range v.MessageIDs {
			ids[i] = string(id)
		}
		s.emit(Event{Kind: EventReceipt, Receipt: &Receipt{ExternalIDs: ids, Status: status, At: v.Timestamp}})
	}
}

// counterpartOf renders a chat as the address used for conversations:
// bare digits for phone users, the full JID otherwise.
func counterpartOf(chat types.JID) string {
	if chat.Server == types.DefaultUserServer {
		return chat.User
	}
	return chat.String()
}

func (s *waSession) Send(ctx context.Context, recipient string, content model.Content) (string, error) {
	jid, err := ParseRecipient(recipient)
	if err != nil {
		return "", apperr.Validation("invalid recipient: %v", err)
	}
	if !s.cli.IsConnected() || !s.cli.IsLoggedIn() {
		return "", apperr.Connection("session is not connected")
	}

	msg, err := s.build(ctx, content)
	if err != nil {
		return "", err
	}

	resp, err := s.cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", apperr.Wrap(apperr.KindConnection, err, "send over session")
	}
	return string(resp.ID), nil
}

func (s *waSession) build(ctx context.Context, content model.Content) (*waE2E.Message, error) {
	if content.Type != model.ContentMedia {
		msg, err := textMessage(content)
		if err != nil {
			return nil, apperr.Validation("%v", err)
		}
		return msg, nil
	}

	data, mime, err := s.download(ctx, content.MediaURL)
	if err != nil {
		return nil, err
	}
	if content.MediaMime == "" {
		content.MediaMime = mime
	}
	mediaType := mediaTypeOf(content.MediaMime)
	up, err := s.cli.Upload(ctx, data, mediaType)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConnection, err, "upload media")
	}
	return mediaMessage(content, mediaType, up), nil
}

func (s *waSession) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", apperr.Validation("invalid media url: %v", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindConnection, err, "fetch media")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", apperr.Validation("fetch media: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindConnection, err, "read media")
	}
	if len(data) > maxMediaBytes {
		return nil, "", apperr.Validation("media larger than %d bytes", maxMediaBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (s *waSession) Disconnect() {
	s.cli.Disconnect()
}

func (s *waSession) Logout(ctx context.Context) error {
	if s.cli.Store.ID == nil {
		return nil
	}
	return s.cli.Logout(ctx)
}

func (s *waSession) Wipe(ctx context.Context) error {
	if s.cli.Store.ID == nil {
		return nil
	}
	return s.cli.Store.Delete(ctx)
}

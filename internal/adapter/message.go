package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var (
	ErrNotConnected = errors.New("connection is not open")
	ErrEmptyContent = errors.New("empty message content")
)

type uploader interface {
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

// buildMessage encodes content as a protocol message, uploading media first.
func buildMessage(ctx context.Context, up uploader, content Content) (*waE2E.Message, error) {
	switch content.Kind {
	case ContentText:
		if strings.TrimSpace(content.Text) == "" {
			return nil, ErrEmptyContent
		}
		ci := contextInfo(content)
		if ci == nil {
			return &waE2E.Message{Conversation: proto.String(content.Text)}, nil
		}
		return &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(content.Text),
			ContextInfo: ci,
		}}, nil

	case ContentImage:
		res, err := upload(ctx, up, content, whatsmeow.MediaImage)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(res.URL),
			DirectPath:    proto.String(res.DirectPath),
			MediaKey:      res.MediaKey,
			FileEncSHA256: res.FileEncSHA256,
			FileSHA256:    res.FileSHA256,
			FileLength:    proto.Uint64(res.FileLength),
			Mimetype:      proto.String(mimeOr(content.Mimetype, "image/jpeg")),
			Caption:       optString(content.Caption),
			ContextInfo:   contextInfo(content),
		}}, nil

	case ContentVideo:
		res, err := upload(ctx, up, content, whatsmeow.MediaVideo)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(res.URL),
			DirectPath:    proto.String(res.DirectPath),
			MediaKey:      res.MediaKey,
			FileEncSHA256: res.FileEncSHA256,
			FileSHA256:    res.FileSHA256,
			FileLength:    proto.Uint64(res.FileLength),
			Mimetype:      proto.String(mimeOr(content.Mimetype, "video/mp4")),
			Caption:       optString(content.Caption),
			GifPlayback:   proto.Bool(content.GIF),
			ContextInfo:   contextInfo(content),
		}}, nil

	case ContentAudio:
		res, err := upload(ctx, up, content, whatsmeow.MediaAudio)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(res.URL),
			DirectPath:    proto.String(res.DirectPath),
			MediaKey:      res.MediaKey,
			FileEncSHA256: res.FileEncSHA256,
			FileSHA256:    res.FileSHA256,
			FileLength:    proto.Uint64(res.FileLength),
			Mimetype:      proto.String(mimeOr(content.Mimetype, "audio/ogg; codecs=opus")),
			PTT:           proto.Bool(content.PTT),
		}}, nil

	case ContentDocument:
		res, err := upload(ctx, up, content, whatsmeow.MediaDocument)
		if err != nil {
			return nil, err
		}
		name := content.Filename
		if name == "" {
			name = "file"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(res.URL),
			DirectPath:    proto.String(res.DirectPath),
			MediaKey:      res.MediaKey,
			FileEncSHA256: res.FileEncSHA256,
			FileSHA256:    res.FileSHA256,
			FileLength:    proto.Uint64(res.FileLength),
			Mimetype:      proto.String(mimeOr(content.Mimetype, "application/octet-stream")),
			FileName:      proto.String(name),
			Title:         proto.String(name),
			Caption:       optString(content.Caption),
		}}, nil

	case ContentSticker:
		res, err := upload(ctx, up, content, whatsmeow.MediaImage)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			URL:           proto.String(res.URL),
			DirectPath:    proto.String(res.DirectPath),
			MediaKey:      res.MediaKey,
			FileEncSHA256: res.FileEncSHA256,
			FileSHA256:    res.FileSHA256,
			FileLength:    proto.Uint64(res.FileLength),
			Mimetype:      proto.String("image/webp"),
		}}, nil

	case ContentLocation:
		return &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
			DegreesLatitude:  proto.Float64(content.Lat),
			DegreesLongitude: proto.Float64(content.Lng),
			Name:             optString(content.Name),
			Address:          optString(content.Address),
		}}, nil

	case ContentContact:
		if content.VCard == "" {
			return nil, ErrEmptyContent
		}
		return &waE2E.Message{ContactMessage: &waE2E.ContactMessage{
			DisplayName: proto.String(mimeOr(content.DisplayName, "Contact")),
			Vcard:       proto.String(content.VCard),
		}}, nil

	case ContentRaw:
		if len(content.Raw) == 0 {
			return nil, ErrEmptyContent
		}
		var msg waE2E.Message
		if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(content.Raw, &msg); err != nil {
			return nil, fmt.Errorf("decode raw message: %w", err)
		}
		return &msg, nil
	}
	return nil, fmt.Errorf("unsupported content kind %q", content.Kind)
}

func upload(ctx context.Context, up uploader, content Content, mediaType whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	if len(content.Data) == 0 {
		return whatsmeow.UploadResponse{}, ErrEmptyContent
	}
	resp, err := up.Upload(ctx, content.Data, mediaType)
	if err != nil {
		return whatsmeow.UploadResponse{}, fmt.Errorf("upload %s: %w", content.Kind, err)
	}
	return resp, nil
}

func contextInfo(content Content) *waE2E.ContextInfo {
	if len(content.Mentions) == 0 && content.Quote == nil {
		return nil
	}
	ci := &waE2E.ContextInfo{MentionedJID: content.Mentions}
	if q := content.Quote; q != nil {
		ci.StanzaID = proto.String(q.ID)
		if q.Sender != "" {
			ci.Participant = proto.String(q.Sender)
		}
		ci.QuotedMessage = &waE2E.Message{Conversation: proto.String(q.Text)}
	}
	return ci
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

func mimeOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// toInbound converts a received message into its webhook shape.
func toInbound(evt *events.Message) (*InboundMessage, error) {
	raw, err := protojson.Marshal(evt.Message)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	in := &InboundMessage{
		Key: MessageKey{
			RemoteJID: evt.Info.Chat.String(),
			FromMe:    evt.Info.IsFromMe,
			ID:        string(evt.Info.ID),
		},
		PushName:         evt.Info.PushName,
		MessageTimestamp: evt.Info.Timestamp.Unix(),
		Text:             messageText(evt.Message),
		Type:             evt.Info.Type,
		Message:          raw,
	}
	if evt.Info.IsGroup {
		in.Key.Participant = evt.Info.Sender.String()
	}
	return in, nil
}

func messageText(m *waE2E.Message) string {
	switch {
	case m == nil:
		return ""
	case m.GetConversation() != "":
		return m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		return m.GetExtendedTextMessage().GetText()
	case m.GetEphemeralMessage().GetMessage() != nil:
		return messageText(m.GetEphemeralMessage().GetMessage())
	case m.GetImageMessage().GetCaption() != "":
		return m.GetImageMessage().GetCaption()
	case m.GetVideoMessage().GetCaption() != "":
		return m.GetVideoMessage().GetCaption()
	}
	return ""
}

package service

import (
	"context"
	"errors"
	"fmt"

	"gowa-gateway/internal/adapter"
	"gowa-gateway/internal/helper"
	"gowa-gateway/internal/webhook"
)

// ErrNoop marks actions that intentionally send nothing.
var ErrNoop = errors.New("noop action")

// MediaFetcher downloads a remote file for media actions.
type MediaFetcher func(ctx context.Context, url string) (*helper.Media, error)

// sessionActions runs webhook callback actions through one session's queue.
type sessionActions struct {
	m  *Manager
	rt *runtime
}

func (s *sessionActions) RunAction(ctx context.Context, a webhook.Action) error {
	content, err := ContentForAction(ctx, s.m.fetch, a)
	if errors.Is(err, ErrNoop) {
		return nil
	}
	if err != nil {
		return err
	}
	to, err := helper.NormalizeJID(a.To)
	if err != nil {
		return err
	}
	_, err = s.m.sender(s.rt)(ctx, to, content)
	return err
}

// ContentForAction maps a webhook action to outbound content, downloading
// media where the action points at a URL.
func ContentForAction(ctx context.Context, fetch MediaFetcher, a webhook.Action) (adapter.Content, error) {
	switch a.Type {
	case "noop":
		return adapter.Content{}, ErrNoop

	case "text":
		return adapter.Content{
			Kind:     adapter.ContentText,
			Text:     a.Text,
			Mentions: helper.NormalizeJIDs(a.Mentions),
		}, nil

	case "media":
		media, err := fetch(ctx, a.URL)
		if err != nil {
			return adapter.Content{}, err
		}
		c := adapter.Content{Data: media.Data, Mimetype: media.Mimetype, Caption: a.Caption}
		switch a.MediaType {
		case "image", "":
			c.Kind = adapter.ContentImage
		case "video":
			c.Kind = adapter.ContentVideo
		case "gif":
			c.Kind = adapter.ContentVideo
			c.GIF = true
		case "audio":
			c.Kind = adapter.ContentAudio
			c.PTT = true
			c.Caption = ""
		default:
			return adapter.Content{}, fmt.Errorf("unsupported mediaType %q", a.MediaType)
		}
		return c, nil

	case "document":
		media, err := fetch(ctx, a.URL)
		if err != nil {
			return adapter.Content{}, err
		}
		name := a.Filename
		if name == "" {
			name = "file." + helper.ExtensionFor(media.Mimetype)
		}
		return adapter.Content{
			Kind:     adapter.ContentDocument,
			Data:     media.Data,
			Mimetype: media.Mimetype,
			Filename: name,
			Caption:  a.Caption,
		}, nil

	case "location":
		return adapter.Content{
			Kind:    adapter.ContentLocation,
			Lat:     float64(a.Lat),
			Lng:     float64(a.Lng),
			Name:    a.Name,
			Address: a.Address,
		}, nil

	case "sticker":
		if a.WebpURL != "" {
			media, err := fetch(ctx, a.WebpURL)
			if err != nil {
				return adapter.Content{}, err
			}
			return adapter.Content{Kind: adapter.ContentSticker, Data: media.Data, Mimetype: "image/webp"}, nil
		}
		if a.ImageURL == "" {
			return adapter.Content{}, errors.New("sticker needs imageUrl or webpUrl")
		}
		media, err := fetch(ctx, a.ImageURL)
		if err != nil {
			return adapter.Content{}, err
		}
		webp, err := helper.ToSticker(media.Data)
		if err != nil {
			return adapter.Content{}, err
		}
		return adapter.Content{Kind: adapter.ContentSticker, Data: webp, Mimetype: "image/webp"}, nil

	case "vcard":
		if a.Contact == nil {
			return adapter.Content{}, errors.New("vcard needs contact")
		}
		name := a.Contact.FullName
		if name == "" {
			name = "Contact"
		}
		return adapter.Content{
			Kind:        adapter.ContentContact,
			DisplayName: name,
			VCard: helper.BuildVCard(helper.VCardContact{
				FullName: name,
				Org:      a.Contact.Org,
				Phone:    a.Contact.Phone,
				Email:    a.Contact.Email,
			}),
		}, nil

	case "raw", "forward", "buttons", "list", "poll":
		if len(a.Message) == 0 {
			return adapter.Content{}, fmt.Errorf("%s action needs message", a.Type)
		}
		return adapter.Content{Kind: adapter.ContentRaw, Raw: a.Message}, nil
	}
	return adapter.Content{}, fmt.Errorf("unknown action type %q", a.Type)
}

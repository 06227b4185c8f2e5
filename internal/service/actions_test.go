package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"gowa-gateway/config"
	"gowa-gateway/internal/adapter"
	"gowa-gateway/internal/helper"
	"gowa-gateway/internal/model"
	"gowa-gateway/internal/service/ai"
	"gowa-gateway/internal/webhook"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubFetch(mime string) MediaFetcher {
	return func(_ context.Context, url string) (*helper.Media, error) {
		return &helper.Media{Data: []byte("bytes:" + url), Mimetype: mime}, nil
	}
}

func TestContentForAction(t *testing.T) {
	ctx := context.Background()

	c, err := ContentForAction(ctx, stubFetch(""), webhook.Action{Type: "text", Text: "hi", Mentions: []string{"628111", "bad"}})
	require.NoError(t, err)
	assert.Equal(t, adapter.ContentText, c.Kind)
	assert.Equal(t, []string{"628111@s.whatsapp.net"}, c.Mentions)

	c, err = ContentForAction(ctx, stubFetch("video/mp4"), webhook.Action{Type: "media", MediaType: "gif", URL: "http://x/a.mp4", Caption: "lol"})
	require.NoError(t, err)
	assert.Equal(t, adapter.ContentVideo, c.Kind)
	assert.True(t, c.GIF)
	assert.Equal(t, "lol", c.Caption)

	c, err = ContentForAction(ctx, stubFetch("audio/ogg"), webhook.Action{Type: "media", MediaType: "audio", URL: "http://x/a.ogg"})
	require.NoError(t, err)
	assert.Equal(t, adapter.ContentAudio, c.Kind)
	assert.True(t, c.PTT)

	c, err = ContentForAction(ctx, stubFetch("application/pdf"), webhook.Action{Type: "document", URL: "http://x/doc"})
	require.NoError(t, err)
	assert.Equal(t, "file.pdf", c.Filename)

	c, err = ContentForAction(ctx, stubFetch(""), webhook.Action{Type: "location", Lat: -6.2, Lng: 106.8, Name: "Monas"})
	require.NoError(t, err)
	assert.InDelta(t, -6.2, c.Lat, 1e-9)
	assert.Equal(t, "Monas", c.Name)

	c, err = ContentForAction(ctx, stubFetch("image/webp"), webhook.Action{Type: "sticker", WebpURL: "http://x/s.webp"})
	require.NoError(t, err)
	assert.Equal(t, adapter.ContentSticker, c.Kind)
	assert.Equal(t, "image/webp", c.Mimetype)

	c, err = ContentForAction(ctx, stubFetch(""), webhook.Action{Type: "vcard", Contact: &webhook.Contact{Phone: "+62 811"}})
	require.NoError(t, err)
	assert.Equal(t, "Contact", c.DisplayName)
	assert.True(t, strings.Contains(c.VCard, "waid=62811"))

	c, err = ContentForAction(ctx, stubFetch(""), webhook.Action{Type: "poll", Message: json.RawMessage(`{"pollCreationMessage":{}}`)})
	require.NoError(t, err)
	assert.Equal(t, adapter.ContentRaw, c.Kind)

	_, err = ContentForAction(ctx, stubFetch(""), webhook.Action{Type: "noop"})
	assert.ErrorIs(t, err, ErrNoop)

	_, err = ContentForAction(ctx, stubFetch(""), webhook.Action{Type: "teleport"})
	assert.Error(t, err)

	_, err = ContentForAction(ctx, stubFetch(""), webhook.Action{Type: "raw"})
	assert.Error(t, err)
}

func TestWebhookActionsSendThroughSession(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	_, err := h.m.CreateSession(context.Background(), model.AdminActor, CreateRequest{ID: "s1", WebhookURL: "http://hook.local"})
	require.NoError(t, err)
	conn := h.connector.Last()
	conn.emit(adapter.Event{Kind: adapter.EventOpen, Me: &model.Identity{ID: "me"}})
	conn.emit(adapter.Event{Kind: adapter.EventMessage, Message: &adapter.InboundMessage{
		Key: adapter.MessageKey{RemoteJID: "628111@s.whatsapp.net", ID: "IN"}, Text: "order",
	}})
	require.Eventually(t, func() bool { return len(h.webhooks.Events("message_received")) == 1 }, waitFor, tick)
	runner := h.webhooks.Events("message_received")[0].Actions

	require.NoError(t, runner.RunAction(context.Background(), webhook.Action{Type: "text", To: "628111", Text: "thanks"}))
	require.NoError(t, runner.RunAction(context.Background(), webhook.Action{Type: "noop"}))
	assert.Error(t, runner.RunAction(context.Background(), webhook.Action{Type: "media", To: "628111", URL: "http://x"}))

	sent := conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "628111@s.whatsapp.net", sent[0].To)
	assert.Equal(t, "thanks", sent[0].Content.Text)
}

type stubGenerator struct {
	history []ai.ConversationMessage
	reply   string
	err     error
}

func (g *stubGenerator) GenerateReply(_ context.Context, history []ai.ConversationMessage) (string, error) {
	g.history = history
	return g.reply, g.err
}

type sendRecorder struct {
	sent []sentMessage
}

func (r *sendRecorder) send(_ context.Context, to string, c adapter.Content) (adapter.SendResult, error) {
	r.sent = append(r.sent, sentMessage{To: to, Content: c})
	return adapter.SendResult{}, nil
}

func inbound(text string) *adapter.InboundMessage {
	return &adapter.InboundMessage{Key: adapter.MessageKey{RemoteJID: "628111@s.whatsapp.net", ID: "IN"}, Text: text}
}

func TestAutoReplierRules(t *testing.T) {
	r, err := NewAutoReplier(config.AutoReplyConfig{
		Enabled: true,
		Rules:   []config.AutoReplyRule{{Match: `^harga`, Reply: "{Rp10.000|Rp10.000}"}},
	}, nil, 0, zerolog.Nop())
	require.NoError(t, err)

	rec := &sendRecorder{}
	r.Handle(context.Background(), rec.send, inbound("HARGA paket?"))
	r.Handle(context.Background(), rec.send, inbound("ping"))
	require.Len(t, rec.sent, 1, "ping-pong is disabled")
	assert.Equal(t, "Rp10.000", rec.sent[0].Content.Text)

	_, err = NewAutoReplier(config.AutoReplyConfig{Rules: []config.AutoReplyRule{{Match: "("}}}, nil, 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestAutoReplierAI(t *testing.T) {
	gen := &stubGenerator{reply: "Halo, ada yang bisa dibantu?"}
	r, err := NewAutoReplier(config.AutoReplyConfig{Enabled: true, AIEnabled: true, AITriggerPrefix: "/ai"}, gen, 0, zerolog.Nop())
	require.NoError(t, err)

	rec := &sendRecorder{}
	r.Handle(context.Background(), rec.send, inbound("/ai halo"))
	require.Len(t, rec.sent, 1)
	assert.Equal(t, "Halo, ada yang bisa dibantu?", rec.sent[0].Content.Text)
	assert.Equal(t, []ai.ConversationMessage{{Sender: "human", Message: "halo"}}, gen.history)

	gen.err = errors.New("quota")
	r.Handle(context.Background(), rec.send, inbound("/ai lagi"))
	assert.Len(t, rec.sent, 1)
	assert.Len(t, gen.history, 3, "history keeps both sides of the chat")

	r.Handle(context.Background(), rec.send, inbound("no prefix"))
	assert.Len(t, rec.sent, 1)
}

func TestAutoReplierCooldown(t *testing.T) {
	r, err := NewAutoReplier(config.AutoReplyConfig{Enabled: true, PingPong: true}, nil, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	rec := &sendRecorder{}
	r.Handle(context.Background(), rec.send, inbound("ping"))
	r.Handle(context.Background(), rec.send, inbound("ping"))
	assert.Len(t, rec.sent, 1)

	now = now.Add(2 * time.Minute)
	r.Handle(context.Background(), rec.send, inbound("ping"))
	assert.Len(t, rec.sent, 2)
}

package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"gowa-gateway/config"
	"gowa-gateway/internal/adapter"
	"gowa-gateway/internal/helper"
	"gowa-gateway/internal/service/ai"

	"github.com/rs/zerolog"
)

const aiHistoryLimit = 10

// ReplyGenerator produces a bot reply from a chat history.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, history []ai.ConversationMessage) (string, error)
}

type replyRule struct {
	re    *regexp.Regexp
	reply string
}

// AutoReplier answers inbound text with ping-pong, canned rules or an AI
// generator, in that order. The first match wins.
type AutoReplier struct {
	pingPong  bool
	rules     []replyRule
	aiPrefix  string
	generator ReplyGenerator
	cooldown  time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	lastReply sync.Map // chat jid -> time.Time
	historyMu sync.Mutex
	history   map[string][]ai.ConversationMessage
}

// NewAutoReplier compiles the configured rules. generator may be nil.
func NewAutoReplier(cfg config.AutoReplyConfig, generator ReplyGenerator, cooldown time.Duration, logger zerolog.Logger) (*AutoReplier, error) {
	r := &AutoReplier{
		pingPong:  cfg.PingPong,
		aiPrefix:  cfg.AITriggerPrefix,
		generator: generator,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger,
		history:   make(map[string][]ai.ConversationMessage),
	}
	for i, rule := range cfg.Rules {
		re, err := regexp.Compile("(?i)" + rule.Match)
		if err != nil {
			return nil, fmt.Errorf("auto-reply rule %d: %w", i, err)
		}
		r.rules = append(r.rules, replyRule{re: re, reply: rule.Reply})
	}
	if !cfg.AIEnabled {
		r.generator = nil
	}
	return r, nil
}

// match returns the reply for text, and whether it came from the AI generator.
func (r *AutoReplier) match(text string) (reply string, useAI bool, ok bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false, false
	}
	if r.pingPong && strings.EqualFold(trimmed, "ping") {
		return "pong", false, true
	}
	for _, rule := range r.rules {
		if rule.re.MatchString(trimmed) {
			return helper.RenderSpintax(rule.reply), false, true
		}
	}
	if r.generator != nil && r.aiPrefix != "" && strings.HasPrefix(trimmed, r.aiPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(trimmed, r.aiPrefix)), true, true
	}
	return "", false, false
}

// Handle replies to msg through send when a responder matches.
func (r *AutoReplier) Handle(ctx context.Context, send sendFunc, msg *adapter.InboundMessage) {
	reply, useAI, ok := r.match(msg.Text)
	if !ok {
		return
	}
	chat := msg.Key.RemoteJID

	if r.cooldown > 0 {
		now := r.now()
		if last, seen := r.lastReply.Load(chat); seen && now.Sub(last.(time.Time)) < r.cooldown {
			r.logger.Debug().Str("chat", chat).Msg("auto-reply cooldown, skipping")
			return
		}
		r.lastReply.Store(chat, now)
	}

	if useAI {
		history := r.remember(chat, ai.ConversationMessage{Sender: "human", Message: reply})
		generated, err := r.generator.GenerateReply(ctx, history)
		if err != nil {
			r.logger.Error().Err(err).Str("chat", chat).Msg("ai reply failed")
			return
		}
		r.remember(chat, ai.ConversationMessage{Sender: "bot", Message: generated})
		reply = generated
	}

	content := adapter.Content{
		Kind: adapter.ContentText,
		Text: reply,
		Quote: &adapter.Quote{
			ID:     msg.Key.ID,
			Sender: firstNonEmpty(msg.Key.Participant, chat),
			Text:   msg.Text,
		},
	}
	if _, err := send(ctx, chat, content); err != nil {
		r.logger.Warn().Err(err).Str("chat", chat).Msg("auto-reply send failed")
	}
}

func (r *AutoReplier) remember(chat string, msg ai.ConversationMessage) []ai.ConversationMessage {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	h := append(r.history[chat], msg)
	if len(h) > aiHistoryLimit {
		h = h[len(h)-aiHistoryLimit:]
	}
	r.history[chat] = h
	return append([]ai.ConversationMessage(nil), h...)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Action is one instruction returned by a webhook endpoint.
type Action struct {
	Type string `json:"type"` // text, media, document, location, sticker, vcard, raw, forward, noop
	To   string `json:"to"`

	Text     string   `json:"text,omitempty"`
	Mentions []string `json:"mentions,omitempty"`

	MediaType string `json:"mediaType,omitempty"` // image, video, gif, audio
	URL       string `json:"url,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Filename  string `json:"filename,omitempty"`

	Lat     FlexFloat `json:"lat,omitempty"`
	Lng     FlexFloat `json:"lng,omitempty"`
	Name    string    `json:"name,omitempty"`
	Address string    `json:"address,omitempty"`

	ImageURL string `json:"imageUrl,omitempty"`
	WebpURL  string `json:"webpUrl,omitempty"`

	Contact *Contact `json:"contact,omitempty"`

	// Message is a protocol-native message for raw and forward.
	Message json.RawMessage `json:"message,omitempty"`
}

type Contact struct {
	FullName string `json:"fullName"`
	Org      string `json:"org,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
}

// ActionRunner executes actions on behalf of the session that produced the
// event. RunAction returns once the action's send has completed.
type ActionRunner interface {
	RunAction(ctx context.Context, a Action) error
}

// FlexFloat accepts both JSON numbers and numeric strings, since template
// rendering always produces strings.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		*f = FlexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = FlexFloat(v)
	return nil
}

// actionResponse is the optional body of a successful delivery.
type actionResponse struct {
	Actions []any     `json:"actions"`
	DelayMs FlexFloat `json:"delayMs"`
}

// decodeAction renders templates in raw against ctx and decodes the result.
func decodeAction(raw any, ctx map[string]any) (Action, error) {
	rendered := RenderDeep(raw, ctx)
	b, err := json.Marshal(rendered)
	if err != nil {
		return Action{}, fmt.Errorf("encode action: %w", err)
	}
	var a Action
	if err := json.Unmarshal(b, &a); err != nil {
		return Action{}, fmt.Errorf("decode action: %w", err)
	}
	if a.Type == "" {
		return Action{}, fmt.Errorf("action without type")
	}
	return a, nil
}

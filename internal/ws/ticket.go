package ws

import (
	"errors"
	"time"

	"gowa-gateway/internal/model"

	"github.com/golang-jwt/jwt/v5"
)

const ticketAudience = "ws"

// TicketClaims represents the JWT claims of a WebSocket ticket
type TicketClaims struct {
	Role    model.Role `json:"role"`
	OwnerID string     `json:"owner_id,omitempty"`
	jwt.RegisteredClaims
}

// Tickets issues short-lived JWTs so browsers can open /ws without putting
// the API key in the URL.
type Tickets struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTickets(secret string, ttl time.Duration) *Tickets {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Tickets{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue generates a ticket for actor and returns it with its expiry.
func (t *Tickets) Issue(actor model.Actor) (string, time.Time, error) {
	now := t.now()
	expirationTime := now.Add(t.ttl)

	claims := &TicketClaims{
		Role:    actor.Role,
		OwnerID: actor.OwnerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{ticketAudience},
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	return signed, expirationTime, err
}

// Validate parses a ticket and returns the actor it was issued to.
func (t *Tickets) Validate(tokenString string) (model.Actor, error) {
	claims := &TicketClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(ticketAudience),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return model.Actor{}, err
	}
	if !token.Valid {
		return model.Actor{}, errors.New("invalid ticket")
	}
	return model.Actor{Role: claims.Role, OwnerID: claims.OwnerID}, nil
}

package model

import (
	"crypto/sha256"
	"encoding/hex"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Actor is the authenticated caller, resolved once per request.
type Actor struct {
	Role    Role   `json:"role"`
	OwnerID string `json:"ownerId,omitempty"`
}

// AdminActor is used by internal callers (bootstrap, CLI) that act on every session.
var AdminActor = Actor{Role: RoleAdmin}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// CanAccess reports whether the actor may see or act on a session owned by ownerID.
func (a Actor) CanAccess(ownerID string) bool {
	if a.IsAdmin() {
		return true
	}
	return a.OwnerID != "" && a.OwnerID == ownerID
}

// OwnerIDForKey derives the stable tenant id for a user API key.
func OwnerIDForKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:32]
}

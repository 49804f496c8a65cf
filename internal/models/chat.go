package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ChatStatus is the lifecycle state of a chat. Exactly one holds at a time.
type ChatStatus string

const (
	StatusPending  ChatStatus = "PENDING"
	StatusAccepted ChatStatus = "ACCEPTED"
	StatusDeclined ChatStatus = "DECLINED"
	StatusEnded    ChatStatus = "ENDED"
	StatusExpired  ChatStatus = "EXPIRED"
)

// Directory roles. A chat always binds one company and one player.
const (
	RoleCompany = "company"
	RolePlayer  = "player"
)

// Chat represents a negotiation chat between a company and a player.
type Chat struct {
	ID                  string     `db:"id" json:"id"`
	Status              ChatStatus `db:"status" json:"status"`
	InitiatorID         string     `db:"initiator_id" json:"initiator_id"`
	CompanyID           string     `db:"company_id" json:"company_id"`
	PlayerID            string     `db:"player_id" json:"player_id"`
	ClosedBy            *string    `db:"closed_by" json:"closed_by,omitempty"`
	DeclinedAt          *time.Time `db:"declined_at" json:"declined_at,omitempty"`
	AcceptedAt          *time.Time `db:"accepted_at" json:"accepted_at,omitempty"`
	ExpiresAt           *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	ExtensionCount      int        `db:"extension_count" json:"extension_count"`
	RequestMessageCount int        `db:"request_message_count" json:"request_message_count"`
	LastMessageAt       *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	DeletedBy           DeletedBy  `db:"deleted_by" json:"deleted_by,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// ParticipantIDs returns both participants. Order carries no meaning.
func (c Chat) ParticipantIDs() []string {
	return []string{c.CompanyID, c.PlayerID}
}

// IsParticipant reports whether userID is bound to the chat.
func (c Chat) IsParticipant(userID string) bool {
	return userID != "" && (c.CompanyID == userID || c.PlayerID == userID)
}

// OtherParticipant returns the counterpart of userID.
func (c Chat) OtherParticipant(userID string) string {
	if c.CompanyID == userID {
		return c.PlayerID
	}
	return c.CompanyID
}

// Clone returns a deep copy so cached values can be mutated safely.
func (c Chat) Clone() Chat {
	out := c
	out.DeletedBy = c.DeletedBy.Clone()
	return out
}

// DeletedBy maps a user id to the instant that user soft-deleted the chat.
type DeletedBy map[string]time.Time

func (d DeletedBy) Clone() DeletedBy {
	if d == nil {
		return nil
	}
	out := make(DeletedBy, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Value implements driver.Valuer for the jsonb column.
func (d DeletedBy) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner for the jsonb column.
func (d *DeletedBy) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = DeletedBy{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("deleted_by: unsupported column type")
	}
	out := DeletedBy{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*d = out
	return nil
}

// ChatView is a chat seen from one participant's perspective. The embedded
// DeletedBy is cleared when building a view; DeletedAt carries the viewer's own entry.
type ChatView struct {
	Chat
	ViewerID       string     `json:"viewer_id"`
	OtherPartyID   string     `json:"other_party_id"`
	IsInitiator    bool       `json:"is_initiator"`
	CanSend        bool       `json:"can_send"`
	CanExtend      bool       `json:"can_extend"`
	ExtensionsLeft int        `json:"extensions_left"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	Unread         int64      `json:"unread"`
}

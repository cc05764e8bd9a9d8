package domain

import "time"

type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelWeChat   Channel = "wechat"
	ChannelDingTalk Channel = "dingtalk"
)

// ParseChannel normaliza el canal; vacio equivale a web.
func ParseChannel(raw string) (Channel, bool) {
	switch Channel(raw) {
	case "":
		return ChannelWeb, true
	case ChannelWeb, ChannelWeChat, ChannelDingTalk:
		return Channel(raw), true
	}
	return "", false
}

type Session struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	BotName            string    `json:"bot_name"`
	Channel            Channel   `json:"channel"`
	RagEnabled         bool      `json:"rag_enabled"`
	StreamEnabled      bool      `json:"stream_enabled"`
	Name               *string   `json:"name"`
	LastIdempotencyKey *string   `json:"last_idempotency_key,omitempty"`
	FlagsVersion       int64     `json:"flags_version"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// FlagState es el estado persistido por una actualizacion de flags.
type FlagState struct {
	RagEnabled         bool
	StreamEnabled      bool
	LastIdempotencyKey *string
	UpdatedAt          time.Time
}

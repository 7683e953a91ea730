package model

// Socket event names.
const (
	EventIdentify      = "identify"
	EventJoin          = "join"
	EventLeave         = "leave"
	EventSendMessage   = "send_message"
	EventAddReaction   = "add_reaction"
	EventTyping        = "typing"
	EventMessage       = "message"
	EventReactionState = "reaction_update"
	EventTypingUpdate  = "typing_update"
	EventUserList      = "user_list_update"
	EventJoined        = "joined"
)

// SendMessage is the payload of send_message.
type SendMessage struct {
	ChannelID string        `json:"cid"`
	Text      string        `json:"text"`
	UID       string        `json:"uid"`
	Nonce     string        `json:"nonce"`
	ReplyTo   *ReplyContext `json:"reply_to"`
}

// AddReaction is the payload of add_reaction.
type AddReaction struct {
	MessageID string `json:"mid"`
	Emoji     string `json:"emoji"`
	UID       string `json:"uid"`
}

// Typing is the payload of the outbound typing event.
type Typing struct {
	ChannelID string `json:"cid"`
	UID       string `json:"uid"`
	IsTyping  bool   `json:"isTyping"`
}

// ReactionUpdate is the payload of reaction_update.
type ReactionUpdate struct {
	MessageID string    `json:"mid"`
	Reactions Reactions `json:"reactions"`
}

// TypingUpdate is the payload of typing_update.
type TypingUpdate struct {
	ChannelID string `json:"cid"`
	UID       string `json:"uid"`
	Name      string `json:"name"`
	IsTyping  bool   `json:"isTyping"`
}

// DisplayName returns Name, falling back to UID.
func (t TypingUpdate) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.UID
}

package session

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatify/model"
	"github.com/gosuda/chatify/transport"
)

func (s *Session) registerHandlers() {
	s.sock.On(model.EventMessage, func(data json.RawMessage) {
		var m model.Message
		if err := json.Unmarshal(data, &m); err != nil {
			log.Debug().Err(err).Msg("[session] decode message")
			return
		}
		if ev, ok := s.engine.OnRemoteMessage(m); ok {
			s.render(ev)
		}
	})

	s.sock.On(model.EventReactionState, func(data json.RawMessage) {
		var u model.ReactionUpdate
		if err := json.Unmarshal(data, &u); err != nil || u.MessageID == "" {
			log.Debug().Err(err).Msg("[session] decode reaction_update")
			return
		}
		if ev, ok := s.engine.OnReactionUpdate(u.MessageID, u.Reactions); ok {
			s.render(ev)
		}
	})

	s.sock.On(model.EventTypingUpdate, func(data json.RawMessage) {
		var u model.TypingUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			log.Debug().Err(err).Msg("[session] decode typing_update")
			return
		}
		if s.typing.OnRemote(u) && u.ChannelID == s.engine.Active() {
			s.sink.Typing(u.ChannelID, s.typing.Names(u.ChannelID))
		}
	})

	s.sock.On(model.EventUserList, func(json.RawMessage) {
		s.refreshUsers()
	})

	s.sock.On(model.EventJoined, func(data json.RawMessage) {
		var ack struct {
			ChannelID string `json:"channelId"`
		}
		_ = json.Unmarshal(data, &ack)
		log.Debug().Str("channel", ack.ChannelID).Msg("[session] joined")
	})

	s.sock.OnStatus(func(st transport.Status) {
		switch st {
		case transport.StatusDisconnected:
			log.Warn().Str("url", s.sock.URL()).Msg("[session] disconnected")
		case transport.StatusConnected:
			log.Info().Str("url", s.sock.URL()).Msg("[session] connected")
		}
		s.sink.Connection(st)
	})
}

// refreshUsers fetches /users off the loop and hands the result to the sink.
func (s *Session) refreshUsers() {
	s.async(func(ctx context.Context) {
		users, err := s.client.Users(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("[session] refresh users")
			return
		}
		s.post(func() { s.sink.Users(users) })
	})
}

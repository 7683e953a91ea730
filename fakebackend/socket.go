package fakebackend

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatify/model"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// peer is one connected socket.
type peer struct {
	conn *websocket.Conn
	send chan Frame
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	uid  string
	room string
}

func (p *peer) push(f Frame) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.send <- f:
	default:
		select {
		case <-p.send:
		default:
		}
		select {
		case p.send <- f:
		default:
		}
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) joined() (uid, room string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uid, p.room
}

func (b *Backend) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("[fakebackend] upgrade websocket")
		return
	}
	p := &peer{conn: conn, send: make(chan Frame, sendBufferSize), done: make(chan struct{})}
	b.mu.Lock()
	b.conns[p] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.writeLoop(p)
	}()
	b.readLoop(p)

	b.mu.Lock()
	delete(b.conns, p)
	b.mu.Unlock()
	p.close()
	if uid, _ := p.joined(); uid != "" {
		b.Broadcast("", model.EventUserList, map[string]bool{"refresh": true})
	}
}

func (b *Backend) readLoop(p *peer) {
	p.conn.SetReadLimit(1 << 20)
	for {
		_, payload, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil || f.Event == "" {
			continue
		}
		b.mu.Lock()
		b.frames = append(b.frames, f)
		b.mu.Unlock()
		b.route(p, f)
	}
}

func (b *Backend) writeLoop(p *peer) {
	for {
		select {
		case f := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(f); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (b *Backend) route(p *peer, f Frame) {
	switch f.Event {
	case model.EventIdentify:
		var uid string
		if json.Unmarshal(f.Data, &uid) != nil {
			return
		}
		p.mu.Lock()
		p.uid = uid
		p.mu.Unlock()
		b.Broadcast("", model.EventUserList, map[string]bool{"refresh": true})

	case model.EventJoin:
		var cid string
		if json.Unmarshal(f.Data, &cid) != nil {
			return
		}
		p.mu.Lock()
		p.room = cid
		p.mu.Unlock()
		if out, err := frame(model.EventJoined, map[string]string{"channelId": cid}); err == nil {
			p.push(out)
		}

	case model.EventLeave:
		var cid string
		if json.Unmarshal(f.Data, &cid) != nil {
			return
		}
		p.mu.Lock()
		if p.room == cid {
			p.room = ""
		}
		p.mu.Unlock()

	case model.EventTyping:
		var req model.Typing
		if json.Unmarshal(f.Data, &req) != nil {
			return
		}
		b.mu.Lock()
		name := b.users[req.UID].Name
		b.mu.Unlock()
		if name == "" {
			name = "Someone"
		}
		out, err := frame(model.EventTypingUpdate, model.TypingUpdate{ChannelID: req.ChannelID, UID: req.UID, Name: name, IsTyping: req.IsTyping})
		if err == nil {
			b.fanout(out, req.ChannelID, p)
		}

	case model.EventAddReaction:
		var req model.AddReaction
		if json.Unmarshal(f.Data, &req) != nil {
			return
		}
		cid, reactions, ok := b.toggleReaction(req)
		if !ok {
			return
		}
		if out, err := frame(model.EventReactionState, model.ReactionUpdate{MessageID: req.MessageID, Reactions: reactions}); err == nil {
			b.fanout(out, cid, nil)
		}

	case model.EventSendMessage:
		var req model.SendMessage
		if json.Unmarshal(f.Data, &req) != nil {
			return
		}
		if req.ChannelID == "" || strings.TrimSpace(req.Text) == "" || req.UID == "" {
			return
		}
		b.mu.Lock()
		user, known := b.users[req.UID]
		drop := b.dropSends
		b.mu.Unlock()
		if !known || drop {
			return
		}
		m := b.store(user, req)
		if out, err := frame(model.EventMessage, m); err == nil {
			b.fanout(out, req.ChannelID, nil)
		}
	}
}

func (b *Backend) toggleReaction(req model.AddReaction) (string, model.Reactions, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for cid, msgs := range b.messages {
		for i := range msgs {
			if msgs[i].ID != req.MessageID {
				continue
			}
			if msgs[i].Reactions == nil {
				msgs[i].Reactions = model.Reactions{}
			}
			msgs[i].Reactions.Toggle(req.Emoji, req.UID)
			return cid, msgs[i].Reactions.Clone(), true
		}
	}
	return "", nil, false
}

// fanout pushes f to every peer in room (all peers when room is empty),
// skipping except.
func (b *Backend) fanout(f Frame, room string, except *peer) {
	b.mu.Lock()
	peers := make([]*peer, 0, len(b.conns))
	for p := range b.conns {
		peers = append(peers, p)
	}
	b.mu.Unlock()
	for _, p := range peers {
		if p == except {
			continue
		}
		if _, joined := p.joined(); room != "" && joined != room {
			continue
		}
		p.push(f)
	}
}

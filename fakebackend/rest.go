package fakebackend

import (
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gosuda/chatify/model"
)

type profileRequest struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

func (b *Backend) handleGuest(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid body"})
		return
	}
	name := strings.TrimSpace(req.Username)
	if name == "" {
		name = model.GuestName(rand.IntN(9000))
	}
	avatar := req.Avatar
	if avatar == "" {
		avatar = model.AvatarURL("identicon", name)
	}
	u := model.User{UID: uuid.NewString(), Name: name, Avatar: avatar}
	b.mu.Lock()
	b.putUser(u)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]model.User{"user": u})
}

func (b *Backend) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid body"})
		return
	}
	b.mu.Lock()
	u, ok := b.users[uid]
	if ok {
		if req.Username != "" {
			u.Name = req.Username
		}
		if req.Avatar != "" {
			u.Avatar = req.Avatar
		}
		b.users[uid] = u
	}
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "User not found"})
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleUsers lists users the way the backend's recency query does, newest
// registration first. Ids go out under "id" to exercise the alias.
func (b *Backend) handleUsers(w http.ResponseWriter, _ *http.Request) {
	type wireUser struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Avatar string `json:"avatar"`
	}
	b.mu.Lock()
	out := make([]wireUser, 0, len(b.userOrder))
	for i := len(b.userOrder) - 1; i >= 0; i-- {
		u := b.users[b.userOrder[i]]
		out = append(out, wireUser{ID: u.UID, Name: u.Name, Avatar: u.Avatar})
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleChannels(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	out := append([]model.Channel(nil), b.channels...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleHistory(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	b.mu.Lock()
	gate := b.historyGate
	fail := b.failHistory > 0
	if fail {
		b.failHistory--
	}
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "history unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, b.Messages(cid))
}

func (b *Backend) handleDelete(w http.ResponseWriter, r *http.Request) {
	mid := chi.URLParam(r, "mid")
	uid := r.URL.Query().Get("uid")
	b.mu.Lock()
	defer b.mu.Unlock()
	for cid, msgs := range b.messages {
		for i, m := range msgs {
			if m.ID != mid {
				continue
			}
			if m.UID != uid {
				writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Unauthorized deletion request"})
				return
			}
			b.messages[cid] = append(msgs[:i:i], msgs[i+1:]...)
			writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Message not found"})
}

func (b *Backend) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "missing file"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "File upload failed"})
		return
	}
	stored := uuid.NewString() + "_" + header.Filename
	b.mu.Lock()
	b.uploads[stored] = data
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"url": "/uploads/" + stored, "filename": header.Filename})
}

// Upload returns the content stored under an /upload result URL.
func (b *Backend) Upload(url string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.uploads[strings.TrimPrefix(url, "/uploads/")]
	return data, ok
}

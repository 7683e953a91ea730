package model

import "sort"

// Reactions maps an emoji glyph to the ids of the users who applied it.
// Each list behaves as a set.
type Reactions map[string][]string

// Has reports whether uid applied emoji.
func (r Reactions) Has(emoji, uid string) bool {
	for _, u := range r[emoji] {
		if u == uid {
			return true
		}
	}
	return false
}

// Count returns the number of users who applied emoji.
func (r Reactions) Count(emoji string) int {
	return len(r[emoji])
}

// Toggle adds uid to emoji, or removes it if already present. It reports
// whether uid is now a member. An emptied emoji is deleted.
func (r Reactions) Toggle(emoji, uid string) bool {
	users := r[emoji]
	for i, u := range users {
		if u != uid {
			continue
		}
		users = append(users[:i:i], users[i+1:]...)
		if len(users) == 0 {
			delete(r, emoji)
		} else {
			r[emoji] = users
		}
		return false
	}
	r[emoji] = append(users, uid)
	return true
}

// Emojis returns the applied emoji in a stable order.
func (r Reactions) Emojis() []string {
	out := make([]string, 0, len(r))
	for e, users := range r {
		if len(users) > 0 {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy. The copy of a nil map is an empty map.
func (r Reactions) Clone() Reactions {
	out := make(Reactions, len(r))
	for e, users := range r {
		if len(users) == 0 {
			continue
		}
		out[e] = append([]string(nil), users...)
	}
	return out
}

package transport

import (
	"context"
	"io"
	"net/url"

	"github.com/gosuda/chatify/model"
)

// Upload is the result of POST /upload.
type Upload struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type profileRequest struct {
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// Channels lists the named channels.
func (c *Client) Channels(ctx context.Context) ([]model.Channel, error) {
	var out []model.Channel
	if err := c.Get(ctx, "/channels", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Users lists recently active users.
func (c *Client) Users(ctx context.Context) ([]model.User, error) {
	var out []model.User
	if err := c.Get(ctx, "/users", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches the ordered history of a channel.
func (c *Client) Messages(ctx context.Context, channelID string) ([]model.Message, error) {
	var out []model.Message
	if err := c.Get(ctx, "/messages/"+url.PathEscape(channelID), &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].ChannelID == "" {
			out[i].ChannelID = channelID
		}
	}
	return out, nil
}

// DeleteMessage asks the backend to delete one of uid's messages.
func (c *Client) DeleteMessage(ctx context.Context, messageID, uid string) error {
	q := url.Values{}
	q.Set("uid", uid)
	return c.Delete(ctx, "/messages/"+url.PathEscape(messageID), q, nil)
}

// Guest issues a guest identity.
func (c *Client) Guest(ctx context.Context, username, avatar string) (model.User, error) {
	var resp struct {
		User *model.User `json:"user"`
	}
	if err := c.Post(ctx, "/guest", profileRequest{Username: username, Avatar: avatar}, &resp); err != nil {
		return model.User{}, err
	}
	if resp.User == nil || resp.User.UID == "" {
		return model.User{}, &ServerRejection{Status: 200, Message: "Login failed"}
	}
	return *resp.User, nil
}

// UpdateUser changes a user's name and/or avatar.
func (c *Client) UpdateUser(ctx context.Context, uid, username, avatar string) (model.User, error) {
	var out model.User
	if err := c.Patch(ctx, "/users/"+url.PathEscape(uid), profileRequest{Username: username, Avatar: avatar}, &out); err != nil {
		return model.User{}, err
	}
	if out.UID == "" {
		out.UID = uid
	}
	return out, nil
}

// Upload stores a file on the backend.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (Upload, error) {
	var out Upload
	if err := c.PostFile(ctx, "/upload", "file", filename, r, &out); err != nil {
		return Upload{}, err
	}
	return out, nil
}

// Health reports whether the backend answers its liveness probe.
func (c *Client) Health(ctx context.Context) bool {
	return c.Get(ctx, "/health", nil) == nil
}

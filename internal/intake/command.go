// Package intake consumes delivery commands from the platform command
// bus and feeds them into the pipeline.
package intake

import (
	"errors"
	"time"

	"github.com/corvidlabs/beacon/internal/notify"
)

// Command is one message on the command bus.
type Command struct {
	RequestID   string            `json:"request_id"`
	Type        string            `json:"type,omitempty"` // notify (default) or cancel
	RecipientID string            `json:"recipient_id"`
	Category    string            `json:"category"`
	Actor       string            `json:"actor,omitempty"`
	Title       string            `json:"title,omitempty"`
	Body        string            `json:"body,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

const (
	TypeNotify = "notify"
	TypeCancel = "cancel"
)

// defaultTitles synthesize a title when the producing service sent
// none. The actor name is prepended when known.
var defaultTitles = map[notify.Category]string{
	notify.CategoryFollow:  "started following you",
	notify.CategoryLike:    "liked your post",
	notify.CategoryComment: "commented on your post",
	notify.CategoryMessage: "sent you a message",
}

// ToRequest translates the command into a pipeline request.
func (c Command) ToRequest() (notify.Request, error) {
	if c.RecipientID == "" {
		return notify.Request{}, errors.New("command has no recipient")
	}

	category := notify.Category(c.Category)
	if c.Category == "" {
		category = notify.CategoryGeneric
	}
	if !category.Valid() {
		return notify.Request{}, errors.New("unknown category " + c.Category)
	}

	title := c.Title
	if title == "" {
		if suffix, ok := defaultTitles[category]; ok {
			if c.Actor != "" {
				title = c.Actor + " " + suffix
			} else {
				title = "Someone " + suffix
			}
		} else {
			title = "New notification"
		}
	}

	req := notify.Request{
		ID:          c.RequestID,
		RecipientID: c.RecipientID,
		Category:    category,
		Title:       title,
		Body:        c.Body,
		Data:        c.Data,
		CreatedAt:   c.CreatedAt,
	}
	if c.Actor != "" {
		if req.Data == nil {
			req.Data = make(map[string]string)
		}
		req.Data["actor"] = c.Actor
	}
	return req, nil
}

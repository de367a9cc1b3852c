// Copyright 2024-2026 Aiku AI

package matrix

import (
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-relay/pkg/connection"
	"github.com/aiku/mautrix-mattermost-relay/pkg/connector/matrixfmt"
)

// convertMessage turns a room message into a relay message. Edits are
// dropped since the secondary side has no post to edit.
func convertMessage(evt *event.Event, self id.UserID) (connection.Message, bool) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content == nil {
		return connection.Message{}, false
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return connection.Message{}, false
	}

	msg := connection.Message{
		ID:             string(evt.ID),
		ConversationID: string(evt.RoomID),
		SenderID:       string(evt.Sender),
		SenderName:     displayName(evt.Sender),
		Timestamp:      time.UnixMilli(evt.Timestamp),
		FromMe:         evt.Sender == self,
		Kind:           connection.ContentText,
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
		msg.Text = matrixfmt.Parse(content)
	case event.MsgEmote:
		msg.Text = "/me " + matrixfmt.Parse(content)
	default:
		msg.Kind = connection.ContentOther
		msg.Text = content.Body
	}
	return msg, true
}

func displayName(userID id.UserID) string {
	localpart, _, err := userID.Parse()
	if err != nil || localpart == "" {
		return string(userID)
	}
	return localpart
}

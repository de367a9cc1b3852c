// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
)

// EchoFilter decides which posts must never re-enter the relay.
type EchoFilter struct {
	// BotPrefix marks usernames of other bridge bots.
	BotPrefix string
	// SelfID returns the relay bot's own user ID.
	SelfID func() string
}

// Skip reports whether a post by userID/username of the given type is an echo.
func (f EchoFilter) Skip(userID, username, postType string) bool {
	if f.SelfID != nil && userID != "" && userID == f.SelfID() {
		return true
	}
	// System messages (joins, header changes) have a type.
	if postType != "" && postType != model.PostTypeDefault {
		return true
	}
	return isBridgeUsername(strings.TrimPrefix(username, "@"), f.BotPrefix)
}

// isBridgeUsername returns true if the username belongs to known bridge
// infrastructure that should never be relayed.
func isBridgeUsername(username, botPrefix string) bool {
	switch {
	case username == "":
		return false
	case username == "mattermost-bridge":
		return true
	case strings.HasPrefix(username, "mattermost_"):
		return true
	case botPrefix != "" && strings.HasPrefix(username, botPrefix):
		return true
	default:
		return false
	}
}

// Copyright 2024-2026 Aiku AI

package router

import (
	"context"
	"errors"

	"github.com/aiku/mautrix-mattermost-relay/pkg/connection"
)

const DefaultUnsupportedMarker = "[unsupported message type]"

// Notices posted back to the secondary-side sender. Every routed update gets
// exactly one of them.
const (
	NoticeInstructions    = "Not relayed: reply in the thread of a relayed message to answer that conversation."
	NoticeDelivered       = "Delivered."
	NoticeMappingNotFound = "Not relayed: the message you replied to is unknown or too old to route."
	noticeFailedPrefix    = "Delivery failed: "
)

// FailedNotice returns the notice for a failed delivery.
func FailedNotice(reason string) string {
	return noticeFailedPrefix + reason + "."
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, connection.ErrNotConnected):
		return "the Matrix connection is down"
	case errors.Is(err, connection.ErrUnauthorized):
		return "the Matrix account needs to be re-authenticated"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	default:
		return "transport error"
	}
}

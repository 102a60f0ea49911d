package telegram

import (
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "cinebot/internal/transport"
)

// Recipient-state failures: retrying these never helps.
var permanentErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrNotStartedByUser,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
	tele.ErrNotChannelMember,
	tele.ErrChatNotFound,
	tele.ErrBadUserID,
	tele.ErrEmptyChatID,
}

// classify wraps a telebot error in a *kit.DeliveryError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var de *kit.DeliveryError
	if errors.As(err, &de) {
		return err
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.DeliveryError{
			Class:      kit.Transient,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Err:        err,
		}
	}
	for _, p := range permanentErrors {
		if errors.Is(err, p) {
			return kit.PermanentError(err)
		}
	}

	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 403:
			return kit.PermanentError(err)
		case te.Code == 400 && strings.Contains(strings.ToLower(te.Description), "chat not found"):
			return kit.PermanentError(err)
		}
	}
	return kit.TransientError(err)
}

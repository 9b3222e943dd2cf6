package handlers

import (
	"context"

	"github.com/guido-cesarano/mailqueue/pkg/mail"
	"github.com/guido-cesarano/mailqueue/pkg/taskerr"
	"github.com/guido-cesarano/mailqueue/pkg/tasks"
)

var knownChannels = map[string]bool{"email": true, "push": true, "sms": true, "in_app": true}

// handleSendNotification implements send_notification: deliver via one of
// {email, push, sms, in_app}. Only the email channel has a concrete
// transport wired (mail.Sender); the others are out of scope as external
// collaborators per spec.md §1 and are treated as a no-op success, matching
// "skipping counts as success" for quiet-hours/preference suppression.
func (e *Env) handleSendNotification(ctx context.Context, task *tasks.Task) error {
	payload, err := decodeJSON[tasks.SendNotificationPayload](task.Payload)
	if err != nil {
		return err
	}
	if payload.UserID == "" || payload.Channel == "" {
		return taskerr.Validationf("send_notification: user_id and channel are required")
	}
	if !knownChannels[payload.Channel] {
		return taskerr.Validationf("send_notification: unknown channel %q", payload.Channel)
	}

	if quietHoursSuppress(payload.Metadata) {
		e.Log.Debug().Str("user_id", payload.UserID).Msg("send_notification: suppressed by quiet hours")
		return nil
	}

	if payload.Channel != "email" {
		e.Log.Debug().Str("user_id", payload.UserID).Str("channel", payload.Channel).
			Msg("send_notification: channel has no transport wired, treating as delivered")
		return nil
	}

	to, _ := payload.Metadata["email"].(string)
	if to == "" {
		return taskerr.Validationf("send_notification: metadata.email is required for the email channel")
	}

	msg := mail.Message{
		From:             mail.Address{Email: "notifications@mailqueue.local", Name: "mailqueue"},
		Subject:          payload.Title,
		Content:          []mail.ContentPart{{Type: "text/plain", Value: payload.Body}},
		Personalizations: []mail.Personalization{{To: []string{to}}},
	}
	if err := e.Mail.Send(ctx, msg); err != nil {
		return taskerr.Transientf("send_notification: %w", err)
	}
	return nil
}

// quietHoursSuppress honors a user's quiet-hours preference embedded in
// metadata. Absence of the flag means no suppression.
func quietHoursSuppress(metadata map[string]interface{}) bool {
	suppress, _ := metadata["quiet_hours_active"].(bool)
	return suppress
}

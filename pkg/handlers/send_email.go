package handlers

import (
	"context"

	"github.com/guido-cesarano/mailqueue/pkg/mail"
	"github.com/guido-cesarano/mailqueue/pkg/taskerr"
	"github.com/guido-cesarano/mailqueue/pkg/tasks"
)

// handleSendEmail implements the send_email task: translate the payload
// into a mail.Message and hand it to the configured Sender.
func (e *Env) handleSendEmail(ctx context.Context, task *tasks.Task) error {
	payload, err := decodeJSON[tasks.SendEmailPayload](task.Payload)
	if err != nil {
		return err
	}
	if payload.From == "" || len(payload.To) == 0 {
		return taskerr.Validationf("send_email: from and at least one recipient are required")
	}
	if payload.TextBody == "" && payload.HTMLBody == "" {
		return taskerr.Validationf("send_email: text_body or html_body is required")
	}

	msg := mail.Message{
		From:    mail.Address{Email: payload.From, Name: payload.FromName},
		Subject: payload.Subject,
		Headers: payload.Headers,
		Personalizations: []mail.Personalization{{
			To:         payload.To,
			CC:         payload.CC,
			BCC:        payload.BCC,
			DKIMDomain: payload.DKIMDomain,
		}},
	}
	if payload.TextBody != "" {
		msg.Content = append(msg.Content, mail.ContentPart{Type: "text/plain", Value: payload.TextBody})
	}
	if payload.HTMLBody != "" {
		msg.Content = append(msg.Content, mail.ContentPart{Type: "text/html", Value: payload.HTMLBody})
	}

	for _, att := range payload.Attachments {
		if att.BlobKey == "" {
			continue
		}
		obj, err := e.Blobs.Get(ctx, att.BlobKey)
		if err != nil {
			return taskerr.Transientf("fetch attachment %s: %w", att.BlobKey, err)
		}
		msg.Attachments = append(msg.Attachments, mail.Attachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Content:     obj.Bytes,
		})
	}

	if err := e.Mail.Send(ctx, msg); err != nil {
		return taskerr.Transientf("send mail: %w", err)
	}
	return nil
}

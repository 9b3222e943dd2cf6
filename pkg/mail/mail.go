// Package mail defines the outbound mail transport capability interface
// (spec.md §6) and a SendGrid-backed implementation. The spec's message
// shape — personalizations[]{to,cc,bcc,dkim_domain?}, from{email,name?},
// subject, content[]{type,value}, attachments?, headers? — is SendGrid's
// v3 mail-send wire format verbatim, so sendgrid-go is the natural client
// even though it isn't one of the teacher's own dependencies (named, not
// grounded, per the out-of-pack rule).
package mail

import (
	"context"
	"encoding/base64"
	"fmt"

	sendgrid "github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Personalization is one addressee group of a Message.
type Personalization struct {
	To         []string
	CC         []string
	BCC        []string
	DKIMDomain string
}

// ContentPart is one body representation (e.g. "text/plain" or
// "text/html").
type ContentPart struct {
	Type  string
	Value string
}

// Attachment is an inline or referenced file to attach to the message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte // base64-decoded bytes; encoded at send time
}

// Address is a single email address with an optional display name.
type Address struct {
	Email string
	Name  string
}

// Message is the normative outbound mail shape from spec.md §6.
type Message struct {
	Personalizations []Personalization
	From             Address
	Subject          string
	Content          []ContentPart
	Attachments      []Attachment
	Headers          map[string]string
}

// Sender is the narrow capability the send_email handler depends on.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SendGridSender sends Message via the SendGrid v3 API.
type SendGridSender struct {
	client *sendgrid.Client
}

func NewSendGridSender(apiKey string) *SendGridSender {
	return &SendGridSender{client: sendgrid.NewSendClient(apiKey)}
}

func (s *SendGridSender) Send(ctx context.Context, msg Message) error {
	from := sgmail.NewEmail(msg.From.Name, msg.From.Email)

	m := sgmail.NewV3Mail()
	m.SetFrom(from)

	for _, c := range msg.Content {
		m.AddContent(sgmail.NewContent(c.Type, c.Value))
	}

	for _, p := range msg.Personalizations {
		sgp := sgmail.NewPersonalization()
		for _, to := range p.To {
			sgp.AddTos(sgmail.NewEmail("", to))
		}
		for _, cc := range p.CC {
			sgp.AddCCs(sgmail.NewEmail("", cc))
		}
		for _, bcc := range p.BCC {
			sgp.AddBCCs(sgmail.NewEmail("", bcc))
		}
		m.AddPersonalizations(sgp)
	}
	m.Subject = msg.Subject

	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}

	for _, a := range msg.Attachments {
		att := sgmail.NewAttachment()
		att.SetFilename(a.Filename)
		att.SetType(a.ContentType)
		att.SetContent(base64.StdEncoding.EncodeToString(a.Content))
		m.AddAttachment(att)
	}

	resp, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid send: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

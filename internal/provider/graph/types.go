// Package graph implements a Provider that sends emails via the Microsoft Graph API.
package graph

import (
	"encoding/base64"

	"github.com/shineum/contact-relay/internal/email"
)

type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject       string            `json:"subject"`
	Body          messageBody       `json:"body"`
	ToRecipients  []recipient       `json:"toRecipients"`
	CcRecipients  []recipient       `json:"ccRecipients,omitempty"`
	BccRecipients []recipient       `json:"bccRecipients,omitempty"`
	ReplyTo       []recipient       `json:"replyTo,omitempty"`
	Attachments   []graphAttachment `json:"attachments,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// graphErrorResponse is the error envelope returned by Graph.
type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildSendMailRequest converts an email.Email into a sendMail request body.
// HTML wins over text when both are present since Graph takes a single body.
func buildSendMailRequest(msg *email.Email) *sendMailRequest {
	body := messageBody{
		ContentType: "text",
		Content:     msg.TextBody,
	}
	if msg.HtmlBody != "" {
		body.ContentType = "html"
		body.Content = msg.HtmlBody
	}

	attachments := make([]graphAttachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		attachments = append(attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
		})
	}

	m := sendMailMessage{
		Subject:       msg.Subject,
		Body:          body,
		ToRecipients:  toRecipients(msg.To),
		CcRecipients:  toRecipients(msg.Cc),
		BccRecipients: toRecipients(msg.Bcc),
		Attachments:   attachments,
	}
	if msg.ReplyTo != "" {
		m.ReplyTo = toRecipients([]string{msg.ReplyTo})
	}

	return &sendMailRequest{Message: m}
}

// toRecipients splits formatted mailboxes into name and address. Values that
// do not parse are passed through as bare addresses and left for Graph to
// reject.
func toRecipients(list []string) []recipient {
	out := make([]recipient, 0, len(list))
	for _, mbox := range list {
		name, addr, err := email.SplitAddress(mbox)
		if err != nil {
			addr = mbox
			name = ""
		}
		out = append(out, recipient{EmailAddress: emailAddress{Name: name, Address: addr}})
	}
	return out
}

package dsn

import (
	"bytes"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
)

// reportInfo is the template view of one notification.
type reportInfo struct {
	Hostname  string
	From      string
	To        string
	Subject   string
	MessageID string
	Boundary  string
	Date      string

	Action         string
	EnvID          string
	ArrivalDate    string
	WillRetryUntil string

	Entries []entryInfo

	// Part 3: the original message, full or headers only.
	Clipped  bool
	Original string
}

type entryInfo struct {
	Recipient   string
	Original    string
	ORCPT       string
	Status      string
	Diagnostic  string
	LastAttempt string
}

// compose renders the multipart/report for the given failures. The result
// uses LF line endings, matching the internal content representation.
func (n *Notifier) compose(queueID, to, action string, doubleBounce bool,
	entries []failureEntry, orig *origInfo, retryUntil time.Time) (string, error) {

	subject := "Undelivered Mail Returned to Sender"
	switch {
	case action == "delayed":
		subject = "Delayed Mail (still being retried)"
	case doubleBounce:
		subject = "Postmaster Copy: Undeliverable Mail"
	}

	from := "MAILER-DAEMON@" + n.Hostname
	if doubleBounce {
		from = n.qualify(n.DoubleBounceSender)
	}

	info := reportInfo{
		Hostname:  n.Hostname,
		From:      from,
		To:        to,
		Subject:   subject,
		MessageID: "correo-dsn-" + uuid.NewString() + "@" + n.Hostname,
		Boundary:  strings.ReplaceAll(uuid.NewString(), "-", ""),
		Date:      time.Now().Format(time.RFC1123Z),
		Action:    action,
		EnvID:     orig.envid,
	}
	if !orig.arrival.IsZero() {
		info.ArrivalDate = orig.arrival.Format(time.RFC1123Z)
	}
	if !retryUntil.IsZero() {
		info.WillRetryUntil = retryUntil.Format(time.RFC1123Z)
	}

	for _, e := range entries {
		ei := entryInfo{
			Recipient:  e.Recipient,
			Status:     e.Status,
			Diagnostic: e.Diagnostic,
		}
		if ei.Status == "" {
			ei.Status = "5.0.0"
		}
		if !e.When.IsZero() {
			ei.LastAttempt = e.When.Format(time.RFC1123Z)
		}
		if r, ok := orig.recipients[e.Recipient]; ok {
			if r.ORCPT != "" {
				ei.ORCPT = r.ORCPT
			} else if r.Original != "" && r.Original != e.Recipient {
				ei.Original = r.Original
			}
		}
		info.Entries = append(info.Entries, ei)
	}

	if orig.clipped {
		info.Clipped = true
		info.Original = strings.Join(orig.headers, "\n")
	} else {
		info.Original = strings.Join(orig.content, "\n")
	}
	if info.Original == "" {
		info.Clipped = true
		info.Original = "--- Undelivered message unavailable ---"
	}

	buf := &bytes.Buffer{}
	if err := reportTemplate.Execute(buf, info); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var reportTemplate = template.Must(
	template.New("dsn").Parse(
		`From: Mail Delivery System <{{.From}}>
To: <{{.To}}>
Subject: {{.Subject}}
Message-ID: <{{.MessageID}}>
Date: {{.Date}}
Auto-Submitted: auto-replied
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status;
	boundary="{{.Boundary}}"

This is a MIME-encapsulated message.

--{{.Boundary}}
Content-Type: text/plain; charset="utf-8"
Content-Description: Notification
Content-Transfer-Encoding: 8bit

This is the mail system at host {{.Hostname}}.

{{if eq .Action "delayed" -}}
Your message could not be delivered yet. It is still in the queue and
delivery will be retried; you do not need to resend it. If it cannot be
delivered before it expires, you will receive a final failure notice.
{{- else -}}
I'm sorry to have to inform you that your message could not
be delivered to one or more recipients. It's attached below.

For further assistance, please send mail to postmaster.
If you do so, please include this problem report.
{{- end}}

{{range .Entries}}<{{.Recipient}}>: {{.Diagnostic}}
{{end}}
--{{.Boundary}}
Content-Type: message/delivery-status
Content-Description: Delivery report
Content-Transfer-Encoding: 8bit

Reporting-MTA: dns; {{.Hostname}}
{{if .EnvID}}Original-Envelope-Id: {{.EnvID}}
{{end}}{{if .ArrivalDate}}Arrival-Date: {{.ArrivalDate}}
{{end}}
{{range .Entries}}Final-Recipient: rfc822; {{.Recipient}}
{{if .ORCPT}}Original-Recipient: {{.ORCPT}}
{{else if .Original}}Original-Recipient: rfc822; {{.Original}}
{{end}}Action: {{$.Action}}
Status: {{.Status}}
Diagnostic-Code: smtp; {{.Diagnostic}}
{{if .LastAttempt}}Last-Attempt-Date: {{.LastAttempt}}
{{end}}{{if $.WillRetryUntil}}Will-Retry-Until: {{$.WillRetryUntil}}
{{end}}
{{end}}--{{.Boundary}}
{{if .Clipped}}Content-Type: text/rfc822-headers
{{else}}Content-Type: message/rfc822
{{end}}Content-Description: Undelivered Message
Content-Transfer-Encoding: 8bit

{{.Original}}

--{{.Boundary}}--
`))

package services

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log"
	"strings"
	texttemplate "text/template"
	"time"

	"tramites_app_go/config"

	"github.com/resend/resend-go/v2"
)

// Email represents an email message
type Email struct {
	To          []string
	Subject     string
	HTMLBody    string
	TextBody    string
	Attachments []EmailAttachment
}

// EmailAttachment is a file sent along with an email
type EmailAttachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// SendEmail sends an email using Resend API
func SendEmail(cfg *config.Config, email *Email) error {
	// In test mode, log the email instead of sending
	if cfg.EmailTestMode {
		logEmailToConsole(email)
		return nil
	}

	if cfg.ResendAPIKey == "" {
		return fmt.Errorf("RESEND_API_KEY not configured")
	}
	if email.HTMLBody == "" && email.TextBody == "" {
		return fmt.Errorf("email must have either HTMLBody or TextBody")
	}

	params := &resend.SendEmailRequest{
		From:    fmt.Sprintf("%s <%s>", cfg.EmailFromName, cfg.EmailFrom),
		To:      email.To,
		Subject: email.Subject,
		Html:    email.HTMLBody,
		Text:    email.TextBody,
	}
	for _, a := range email.Attachments {
		params.Attachments = append(params.Attachments, &resend.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     a.Content,
		})
	}

	client := resend.NewClient(cfg.ResendAPIKey)
	sent, err := client.Emails.Send(params)
	if err != nil {
		return fmt.Errorf("failed to send email via Resend: %w", err)
	}

	log.Printf("Email sent via Resend (ID: %s) to: %v", sent.Id, email.To)
	return nil
}

// logEmailToConsole logs email details to console in test mode
func logEmailToConsole(email *Email) {
	separator := strings.Repeat("=", 80)
	log.Printf("\n%s\nEMAIL (test mode, not sent)\n%s", separator, separator)
	log.Printf("To: %v", email.To)
	log.Printf("Subject: %s", email.Subject)
	log.Printf("\n--- TEXT BODY ---\n%s", email.TextBody)
	log.Printf("\n--- HTML BODY (first 500 chars) ---\n%s...", truncate(email.HTMLBody, 500))
	for _, a := range email.Attachments {
		log.Printf("Attachment: %s (%d bytes)", a.Filename, len(a.Content))
	}
	log.Printf("%s\n", separator)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

const overdueDigestHTML = `<h2>Trámites atrasados al {{.Date}}</h2>
<p>Hay {{len .Items}} trámites fuera de los tiempos esperados.</p>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Trámite</th><th>Estado</th><th>Cliente</th><th>Regla</th><th>Días de atraso</th></tr>
{{range .Items}}<tr><td>{{.Tramite.DisplayID}}</td><td>{{.Tramite.EstadoActual}}</td><td>{{.Tramite.ClienteNombre}}</td><td>{{.Rule}}</td><td>{{.DaysLate}}</td></tr>
{{end}}</table>`

const overdueDigestText = `Trámites atrasados al {{.Date}}: {{len .Items}}
{{range .Items}}
- {{.Tramite.DisplayID}} ({{.Tramite.EstadoActual}}) {{.Tramite.ClienteNombre}}: {{.Rule}}, {{.DaysLate}} días
{{- end}}
`

var (
	overdueDigestHTMLTmpl = template.Must(template.New("overdue_digest.html").Parse(overdueDigestHTML))
	overdueDigestTextTmpl = texttemplate.Must(texttemplate.New("overdue_digest.txt").Parse(overdueDigestText))
)

// BuildOverdueDigestEmail summarizes the atrasados report and attaches it as
// a workbook
func BuildOverdueDigestEmail(items []OverdueItem, to []string, now time.Time) (*Email, error) {
	data := struct {
		Date  string
		Items []OverdueItem
	}{Date: now.Format("2006-01-02"), Items: items}

	var html, text bytes.Buffer
	if err := overdueDigestHTMLTmpl.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("failed to render digest html: %w", err)
	}
	if err := overdueDigestTextTmpl.Execute(&text, data); err != nil {
		return nil, fmt.Errorf("failed to render digest text: %w", err)
	}

	report, err := WriteOverdueReport(items)
	if err != nil {
		return nil, err
	}

	return &Email{
		To:       append([]string{}, to...),
		Subject:  fmt.Sprintf("%d trámites atrasados (%s)", len(items), data.Date),
		HTMLBody: html.String(),
		TextBody: text.String(),
		Attachments: []EmailAttachment{{
			Filename:    fmt.Sprintf("atrasados-%s.xlsx", data.Date),
			ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			Content:     report.Bytes(),
		}},
	}, nil
}

// NewOverdueDigestNotifier returns a callback that emails the overdue digest
// to cfg.OverdueDigestTo, or nil when no recipients are configured
func NewOverdueDigestNotifier(cfg *config.Config) func(ctx context.Context, items []OverdueItem) error {
	if len(cfg.OverdueDigestTo) == 0 {
		return nil
	}
	return func(ctx context.Context, items []OverdueItem) error {
		email, err := BuildOverdueDigestEmail(items, cfg.OverdueDigestTo, time.Now())
		if err != nil {
			return err
		}
		return SendEmail(cfg, email)
	}
}

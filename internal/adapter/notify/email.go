package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/rl1809/collectible-market/internal/core/domain"
)

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailNotifier mails the buyer their payment instruction.
type EmailNotifier struct {
	addr string
	from string
	auth smtp.Auth
	send SendFunc
	now  func() time.Time
}

func NewEmailNotifier(cfg EmailConfig) *EmailNotifier {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &EmailNotifier{
		addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		from: from,
		auth: auth,
		send: smtp.SendMail,
		now:  time.Now,
	}
}

var instructionBody = template.Must(template.New("instruction").Parse(`Hello,

You reserved "{{.ItemTitle}}". Complete the payment to finish your purchase.

Amount:    {{.Amount}} {{.Currency}}
Reference: {{.Reference}}

Pay with any UPI app:
{{.PayURI}}

Include the reference in the payment note. Unpaid reservations are released
automatically.
`))

func (n *EmailNotifier) Notify(ctx context.Context, in domain.PaymentInstruction) error {
	if in.BuyerEmail == "" {
		return fmt.Errorf("attempt %d: buyer has no email address", in.AttemptID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := n.render(in)
	if err != nil {
		return err
	}
	if err := n.send(n.addr, n.auth, n.from, []string{in.BuyerEmail}, msg); err != nil {
		return fmt.Errorf("send mail for attempt %d: %w", in.AttemptID, err)
	}
	return nil
}

func (n *EmailNotifier) render(in domain.PaymentInstruction) ([]byte, error) {
	var body bytes.Buffer
	err := instructionBody.Execute(&body, map[string]string{
		"ItemTitle": in.ItemTitle,
		"Amount":    domain.FormatAmount(in.Amount),
		"Currency":  string(in.Currency),
		"Reference": in.Reference,
		"PayURI":    in.PayURI,
	})
	if err != nil {
		return nil, fmt.Errorf("render mail: %w", err)
	}

	var msg bytes.Buffer
	headers := []string{
		"From: " + n.from,
		"To: " + in.BuyerEmail,
		"Subject: Payment instructions for " + sanitizeHeader(in.ItemTitle),
		"Date: " + n.now().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
	}
	msg.WriteString(strings.Join(headers, "\r\n"))
	msg.WriteString("\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return msg.Bytes(), nil
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

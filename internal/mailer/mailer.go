// Package mailer отправляет покупателю письмо с итогами рассмотрения возврата.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"

	"github.com/mmeshcher/returns-system/internal/model"
)

// Mailer отправляет уведомления по SMTP.
type Mailer struct {
	addr string
	host string
	user string
	pass string
	from string
}

// NewMailer создаёт отправку уведомлений через указанный SMTP-сервер.
func NewMailer(host string, port int, user, pass, from string) *Mailer {
	return &Mailer{
		addr: fmt.Sprintf("%s:%d", host, port),
		host: host,
		user: user,
		pass: pass,
		from: from,
	}
}

// SendReturnSummary отправляет покупателю список принятых и отклонённых
// позиций возврата. Суммы конвертируются в евро только здесь, на границе
// с человеком.
func (m *Mailer) SendReturnSummary(_ context.Context, to string, ret *model.ReturnRequest, accepted, rejected []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Your return for order %d has been %s.\n", ret.OrderID, ret.Status)

	if len(accepted) > 0 {
		b.WriteString("\nAccepted items:\n")
		for _, name := range accepted {
			fmt.Fprintf(&b, "  - %s\n", name)
		}
	}
	if len(rejected) > 0 {
		b.WriteString("\nRejected items:\n")
		for _, name := range rejected {
			fmt.Fprintf(&b, "  - %s\n", name)
		}
	}

	if ret.Status == model.ReturnStatusCompleted && ret.Refund.AmountCents > 0 {
		fmt.Fprintf(&b, "\nRefund amount: %d.%02d EUR\n",
			ret.Refund.AmountCents/100, ret.Refund.AmountCents%100)
	}

	e := email.NewEmail()
	e.From = m.from
	e.To = []string{to}
	e.Subject = fmt.Sprintf("Return update for order %d", ret.OrderID)
	e.Text = []byte(b.String())

	auth := smtp.PlainAuth("", m.user, m.pass, m.host)
	if err := e.Send(m.addr, auth); err != nil {
		return fmt.Errorf("send return summary: %w", err)
	}
	return nil
}

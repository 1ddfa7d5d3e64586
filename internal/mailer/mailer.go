// Package mailer sends the boot notification of a virtual cluster.
package mailer

import (
	"bytes"
	"fmt"
	"net/smtp"
	"text/template"
)

const messageFormat = "From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n"

var bootTemplate = template.Must(template.New("boot").Parse(`Virtual cluster {{ .Cluster }} was booted from template {{ .Template }}.

Frontend: {{ .Frontend }}{{ with .PublicIP }} ({{ . }}){{ end }}
{{- if .Computes }}
Compute nodes:
{{- range .Computes }}
  {{ . }}
{{- end }}
{{- end }}

Log in with the ssh key given at boot once the frontend finishes its first start.
`))

// BootReport is what a boot notification tells the user.
type BootReport struct {
	Cluster  string
	Template string
	Frontend string
	PublicIP string
	Computes []string
}

type Mailer struct {
	address string
	sender  string
}

func New(address, sender string) *Mailer {
	return &Mailer{
		address: address,
		sender:  sender,
	}
}

func (m *Mailer) Mail(recipient, subject, text string) error {
	client, err := smtp.Dial(m.address)
	if err != nil {
		return fmt.Errorf("failed to connect to smtp server: %w", err)
	}
	defer client.Close()

	if err := client.Mail(m.sender); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}

	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to create writer: %w", err)
	}

	if _, err := fmt.Fprintf(writer, messageFormat, m.sender, recipient, subject, text); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}

	if err := client.Quit(); err != nil {
		return fmt.Errorf("failed to quit: %w", err)
	}

	return nil
}

// NotifyBoot mails the boot report to recipient.
func (m *Mailer) NotifyBoot(recipient string, report BootReport) error {
	text, err := RenderBoot(report)
	if err != nil {
		return err
	}

	return m.Mail(recipient, fmt.Sprintf("Virtual cluster %s is up", report.Cluster), text)
}

func RenderBoot(report BootReport) (string, error) {
	var buf bytes.Buffer
	if err := bootTemplate.Execute(&buf, report); err != nil {
		return "", fmt.Errorf("failed to render boot report: %w", err)
	}
	return buf.String(), nil
}

package mail

import (
	"bytes"
	"fmt"
	"html/template"
)

const footer = `<hr style="border: none; border-top: 1px solid #eee; margin: 24px 0;" />
<p style="color: #999; font-size: 12px;">AgentKYC - The Trust Layer for the Agent Economy</p>`

var templates = template.Must(template.New("mail").Parse(`
{{define "verification"}}<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
<h1 style="color: #333;">Verify Your Agent</h1>
<p>Thanks for applying to get <strong>{{.AgentName}}</strong> verified on AgentKYC!</p>
<p>Click the link below to confirm your email and continue the verification process:</p>
<p><a href="{{.URL}}">{{.URL}}</a></p>
<p style="color: #666; font-size: 14px;">This link expires in 24 hours.</p>
` + footer + `
</div>{{end}}
{{define "test_task"}}<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
<h1>Test Task for {{.AgentName}}</h1>
<p>Hi {{.OwnerName}},</p>
<p>As part of the AgentKYC verification process, please have your agent complete this task:</p>
<div style="background: #f4f4f4; padding: 16px; border-radius: 8px; margin: 16px 0;"><p><strong>{{.Task}}</strong></p></div>
<p>Reply to this email with the result within 72 hours.</p>
` + footer + `
</div>{{end}}
{{define "reminder"}}<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
<h1>Reminder: Test Task for {{.AgentName}}</h1>
<p>Hi {{.OwnerName}},</p>
<p>We sent a test task for <strong>{{.AgentName}}</strong> and have not received the result yet.</p>
<p>Reply to the original email with your agent's result to continue verification.</p>
` + footer + `
</div>{{end}}
`))

type templateData struct {
	AgentName string
	OwnerName string
	URL       string
	Task      string
}

func render(name string, data templateData) (string, error) {
	if data.OwnerName == "" {
		data.OwnerName = "there"
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s email: %w", name, err)
	}
	return buf.String(), nil
}

// VerificationEmail asks the owner to confirm their address.
func VerificationEmail(to, agentName, confirmURL string) (Message, error) {
	html, err := render("verification", templateData{AgentName: agentName, URL: confirmURL})
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: "Verify your agent: " + agentName, HTML: html}, nil
}

// TestTaskEmail carries the behavioral test task.
func TestTaskEmail(to, ownerName, agentName, task string) (Message, error) {
	html, err := render("test_task", templateData{AgentName: agentName, OwnerName: ownerName, Task: task})
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: "AgentKYC Test Task for " + agentName, HTML: html}, nil
}

// ReminderEmail nudges an owner whose test task is still outstanding.
func ReminderEmail(to, ownerName, agentName string) (Message, error) {
	html, err := render("reminder", templateData{AgentName: agentName, OwnerName: ownerName})
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: "Reminder: AgentKYC Test Task for " + agentName, HTML: html}, nil
}

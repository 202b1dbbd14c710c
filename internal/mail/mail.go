// Package mail delivers job and step notifications
package mail

import (
	"context"
	"strings"
)

// Mailer sends a message. Delivery is fire-and-forget: implementations handle and log their own
// failures.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string)
}

// Nop discards every message
type Nop struct{}

func (Nop) Send(context.Context, []string, string, string) {}

// Tokens are the placeholders substituted into subjects and bodies
type Tokens struct {
	Status   string `mapstructure:"status"`
	JobName  string `mapstructure:"job_name"`
	StepName string `mapstructure:"step_name"`
}

// DefaultTokens is used when no tokens are configured
var DefaultTokens = Tokens{
	Status:   "[[STATUS]]",
	JobName:  "[[JOB_NAME]]",
	StepName: "[[STEP_NAME]]",
}

// Values are the substitutions for one message. Empty values leave their token alone.
type Values struct {
	Status   string
	JobName  string
	StepName string
}

// Template is the email configuration read from a job or step's directives
type Template struct {
	To      []string
	Subject string
	Body    string
}

// Render substitutes the tokens in the template's subject and body
func (t Template) Render(tokens Tokens, values Values) (subject, body string) {
	pairs := make([]string, 0, 6)
	add := func(token, value string) {
		if token != "" && value != "" {
			pairs = append(pairs, token, value)
		}
	}
	add(tokens.Status, values.Status)
	add(tokens.JobName, values.JobName)
	add(tokens.StepName, values.StepName)

	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body)
}

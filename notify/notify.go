// Package notify posts guide run outcomes to Slack. It is optional: a nil
// *SlackNotifier is a valid no-op, and delivery failures are logged, never
// surfaced to the run.
package notify

import (
	"fmt"
	"log"

	"github.com/slack-go/slack"

	"github.com/an-siuu-man/headstart/model"
)

// SlackNotifier posts one-line messages to a fixed channel when a guide run
// reaches a terminal state.
type SlackNotifier struct {
	api     *slack.Client
	channel string
}

// NewSlack creates a notifier. Returns nil when no token is configured, which
// callers may pass around as a disabled notifier.
func NewSlack(token, channel string) *SlackNotifier {
	if token == "" || channel == "" {
		return nil
	}
	return &SlackNotifier{
		api:     slack.New(token),
		channel: channel,
	}
}

// GuideCompleted announces a finished guide.
func (n *SlackNotifier) GuideCompleted(sess *model.Session) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(":white_check_mark: Study guide ready for *%s* (session `%s`)",
		sess.Payload.Title, sess.ID)
	n.post(text)
}

// GuideFailed announces a failed guide run.
func (n *SlackNotifier) GuideFailed(sess *model.Session, errMsg string) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(":x: Guide generation failed for *%s* (session `%s`): %s",
		sess.Payload.Title, sess.ID, model.Truncate(errMsg, 300))
	n.post(text)
}

func (n *SlackNotifier) post(text string) {
	_, _, err := n.api.PostMessage(n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		log.Printf("slack notify failed: %v", err)
	}
}

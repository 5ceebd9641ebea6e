// Package slacknotify implements the pluginapi.Notifier and
// ActionableNotifier contracts over github.com/slack-go/slack, the one
// Slack client pulled into the pack (jordigilh-kubernaut's go.mod).
package slacknotify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/pluginapi"
)

// client is the subset of *slack.Client used here, so tests can fake it.
type client interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier posts NotifyEvents to a fixed Slack channel per priority tier,
// resolved by ChannelForPriority (supplied by the composition root in
// cmd/agentorchestrator).
type Notifier struct {
	Client             client
	ChannelForPriority func(pluginapi.NotifyPriority) string
}

// New builds a Notifier authenticated with a Slack bot token.
func New(token string, channelForPriority func(pluginapi.NotifyPriority) string) *Notifier {
	return &Notifier{Client: slack.New(token), ChannelForPriority: channelForPriority}
}

func (n *Notifier) channel(priority pluginapi.NotifyPriority) string {
	if n.ChannelForPriority == nil {
		return ""
	}
	return n.ChannelForPriority(priority)
}

func emoji(priority pluginapi.NotifyPriority) string {
	switch priority {
	case pluginapi.PriorityUrgent:
		return ":rotating_light:"
	case pluginapi.PriorityAction:
		return ":large_yellow_circle:"
	case pluginapi.PriorityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

// Notify posts a plain-text message to the channel resolved for the
// event's priority.
func (n *Notifier) Notify(ctx context.Context, event pluginapi.NotifyEvent) error {
	return n.NotifyWithActions(ctx, event, nil)
}

// NotifyWithActions posts the message with each action rendered as a
// Slack message-action button (link-style, since the slack-go client does
// not need interactivity callbacks wired for a plain link button).
func (n *Notifier) NotifyWithActions(ctx context.Context, event pluginapi.NotifyEvent, actions []pluginapi.NotifyAction) error {
	channel := n.channel(event.Priority)
	if channel == "" {
		return corerr.New(corerr.InvalidInput, "slacknotify.Notify", "no channel configured for priority "+string(event.Priority))
	}
	text := fmt.Sprintf("%s *%s*\n%s", emoji(event.Priority), event.Title, event.Message)
	if event.URL != "" {
		text += "\n" + event.URL
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if blocks := actionBlocks(actions); len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}
	_, _, err := n.Client.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return corerr.Wrap(corerr.PluginFailure, "slacknotify.Notify", err)
	}
	return nil
}

func actionBlocks(actions []pluginapi.NotifyAction) []slack.Block {
	if len(actions) == 0 {
		return nil
	}
	elements := make([]slack.BlockElement, 0, len(actions))
	for i, a := range actions {
		btn := slack.NewButtonBlockElement(fmt.Sprintf("action_%d", i), a.URL, slack.NewTextBlockObject(slack.PlainTextType, a.Label, false, false))
		btn.URL = a.URL
		elements = append(elements, btn)
	}
	return []slack.Block{slack.NewActionBlock("actions", elements...)}
}

var _ pluginapi.Notifier = (*Notifier)(nil)
var _ pluginapi.ActionableNotifier = (*Notifier)(nil)

package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// DiscordSender delivers notifications via a Discord webhook.
type DiscordSender struct {
	client *resty.Client
	url    string
}

// NewDiscordSender creates a sender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		client: resty.New().SetTimeout(10 * time.Second),
		url:    webhookURL,
	}
}

// Send posts the event as a markdown message. Discord returns 204 on success.
func (d *DiscordSender) Send(ctx context.Context, ev Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n%s", ev.Title, ev.Message)
	if len(ev.Fields) > 0 {
		keys := make([]string, 0, len(ev.Fields))
		for k := range ev.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n`%s`: %v", k, ev.Fields[k])
		}
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"content": b.String()}).
		Post(d.url)
	if err != nil {
		return errors.Wrap(err, "discord: send request")
	}
	if resp.IsError() {
		return errors.Errorf("discord: unexpected status %d: %.200s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string { return "discord" }

/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notification

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/waldocoin/waldo/config"
	"github.com/waldocoin/waldo/internal/request"
)

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func buildSlackMessage(title string, systemError error, fields map[string]string) slackMessage {
	msg := slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: title, Emoji: true}},
		{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Error:*\n%v", systemError)}}},
	}}
	for k, v := range fields {
		msg.Blocks = append(msg.Blocks, slackBlock{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", k, v)}}})
	}
	msg.Blocks = append(msg.Blocks, slackBlock{
		Type:   "section",
		Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%v", time.Now().Format(time.RFC822))}},
	})
	return msg
}

// SlackNotification posts an alert to the configured Slack webhook.
func SlackNotification(webhookURL, title string, systemError error, fields map[string]string) error {
	payload, err := request.ToJsonReq(buildSlackMessage(title, systemError, fields))
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", webhookURL, payload)
	if err != nil {
		return err
	}

	_, err = request.Call(req, nil)
	return err
}

// NotifyError logs systemError and forwards it to Slack when a webhook is configured.
// It runs asynchronously and never blocks the caller.
func NotifyError(systemError error) {
	NotifyOperator("Error From Waldo Distributor 🐞", systemError, nil)
}

// NotifyOperator is NotifyError with a custom title and extra fields, used for events that
// need manual review.
func NotifyOperator(title string, systemError error, fields map[string]string) {
	go notify(title, systemError, fields)
}

func notify(title string, systemError error, fields map[string]string) {
	logrus.WithFields(toLogFields(fields)).Error(systemError)

	conf, err := config.Fetch()
	if err != nil {
		logrus.Warn(err)
		return
	}

	if conf.Notification.Slack.WebhookUrl == "" {
		return
	}
	if err := SlackNotification(conf.Notification.Slack.WebhookUrl, title, systemError, fields); err != nil {
		logrus.Errorf("failed to send slack notification: %v", err)
	}
}

func toLogFields(fields map[string]string) logrus.Fields {
	out := logrus.Fields{}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Package policy renders and evaluates AWS IoT policy documents
package policy

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Policy actions used by devices
const (
	ActionConnect   = "iot:Connect"
	ActionSubscribe = "iot:Subscribe"
	ActionPublish   = "iot:Publish"
)

// ClientIDVariable is replaced with the MQTT client ID of the connection during evaluation
const ClientIDVariable = "${iot:ClientId}"

// Effect is the effect of a statement
type Effect string

// Statement effects
const (
	Allow Effect = "Allow"
	Deny  Effect = "Deny"
)

// Statement is a single statement of a policy document
type Statement struct {
	Effect   Effect   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

// Document is an AWS IoT policy document
type Document struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

// Resources builds resource ARNs for one region and account
type Resources struct {
	Region  string
	Account string
}

func (r Resources) arn(resource string) string {
	return fmt.Sprintf("arn:aws:iot:%s:%s:%s", r.Region, r.Account, resource)
}

// Client returns the ARN of an MQTT client ID
func (r Resources) Client(clientID string) string {
	return r.arn("client/" + clientID)
}

// Topic returns the ARN of a topic, used for publish
func (r Resources) Topic(topic string) string {
	return r.arn("topic/" + topic)
}

// TopicFilter returns the ARN of a topic filter, used for subscribe
func (r Resources) TopicFilter(filter string) string {
	return r.arn("topicfilter/" + filter)
}

// DeviceDocument returns the policy for a device which connects with its own client ID,
// subscribes to subTopic and publishes on pubTopic.
func DeviceDocument(r Resources, subTopic, pubTopic string) Document {
	return Document{
		Version: "2012-10-17",
		Statement: []Statement{
			{Effect: Allow, Action: []string{ActionConnect}, Resource: []string{r.Client(ClientIDVariable)}},
			{Effect: Allow, Action: []string{ActionSubscribe}, Resource: []string{r.TopicFilter(subTopic)}},
			{Effect: Allow, Action: []string{ActionPublish}, Resource: []string{r.Topic(pubTopic)}},
		},
	}
}

// Parse parses a policy document
func Parse(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("invalid policy document: %w", err)
	}
	if len(d.Statement) == 0 {
		return d, fmt.Errorf("policy document has no statements")
	}
	for i, s := range d.Statement {
		if s.Effect != Allow && s.Effect != Deny {
			return d, fmt.Errorf("statement %d: invalid effect %q", i, s.Effect)
		}
	}
	return d, nil
}

// JSON returns the indented JSON representation of the document
func (d Document) JSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Allows reports whether the document allows action on resource for a connection with
// the given client ID. An explicit deny wins over any allow.
func (d Document) Allows(action, resource, clientID string) bool {
	allowed := false
	for _, s := range d.Statement {
		if !matchesAny(s.Action, action, "") || !matchesAny(s.Resource, resource, clientID) {
			continue
		}
		if s.Effect == Deny {
			return false
		}
		allowed = true
	}
	return allowed
}

func matchesAny(patterns []string, s, clientID string) bool {
	for _, p := range patterns {
		if clientID != "" {
			p = strings.ReplaceAll(p, ClientIDVariable, clientID)
		}
		if match(p, s) {
			return true
		}
	}
	return false
}

// match matches s against pattern, where * matches any sequence of characters,
// including '/', and ? matches a single character.
func match(pattern, s string) bool {
	px, sx := 0, 0
	starPx, starSx := -1, 0
	for sx < len(s) {
		switch {
		case px < len(pattern) && (pattern[px] == '?' || pattern[px] == s[sx]):
			px++
			sx++
		case px < len(pattern) && pattern[px] == '*':
			starPx, starSx = px, sx
			px++
		case starPx >= 0:
			px = starPx + 1
			starSx++
			sx = starSx
		default:
			return false
		}
	}
	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}

package event

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Parser maps raw provider webhooks to events.
//
// A single comment yields at most one event: the mention check runs
// first, comment-on-owned only applies when no alias matched. Unknown
// sources and event types yield no event and no error; providers send
// far more event types than we care about.
type Parser struct {
	self    string
	aliases []string
}

// NewParser builds a parser for the given user. aliases are the strings
// whose presence in a comment body counts as a mention (e.g. "@ivanivanka");
// matching is case-insensitive.
func NewParser(self string, aliases []string) *Parser {
	p := &Parser{self: strings.TrimSpace(self)}
	for _, a := range aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			p.aliases = append(p.aliases, a)
		}
	}
	return p
}

// FromWebhook parses one raw delivery. ok is false when the payload is
// not notification-worthy (unknown type, malformed, or not about us).
func (p *Parser) FromWebhook(source, eventType string, payload []byte) (Event, bool) {
	switch source {
	case "github":
		return p.parseGitHub(eventType, payload)
	case "clickup":
		return p.parseClickUp(eventType, payload)
	default:
		return Event{}, false
	}
}

func (p *Parser) mentioned(body string) bool {
	lower := strings.ToLower(body)
	for _, a := range p.aliases {
		if strings.Contains(lower, a) {
			return true
		}
	}
	return false
}

type githubCommentPayload struct {
	Action  string `json:"action"`
	Comment struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Issue struct {
		Number   int64 `json:"number"`
		Assignee *struct {
			Login string `json:"login"`
		} `json:"assignee"`
	} `json:"issue"`
}

func (p *Parser) parseGitHub(eventType string, payload []byte) (Event, bool) {
	if eventType != "issue_comment" {
		return Event{}, false
	}
	var body githubCommentPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return Event{}, false
	}
	if body.Action != "created" || body.Issue.Number == 0 {
		return Event{}, false
	}

	itemID := "github:" + strconv.FormatInt(body.Issue.Number, 10)
	ctx := map[string]string{
		"commenter":    body.Comment.User.Login,
		"body_preview": preview(body.Comment.Body),
	}
	fp := "comment_id=" + strconv.FormatInt(body.Comment.ID, 10)

	if p.mentioned(body.Comment.Body) {
		return Event{Trigger: TriggerMentioned, ItemID: itemID, Fingerprint: fp, Context: ctx}, true
	}
	if body.Issue.Assignee != nil && body.Issue.Assignee.Login != "" && p.isSelfLogin(body.Issue.Assignee.Login) {
		return Event{Trigger: TriggerCommentOnOwned, ItemID: itemID, Fingerprint: fp, Context: ctx}, true
	}
	return Event{}, false
}

type clickUpCommentPayload struct {
	TaskID string `json:"task_id"`
	Task   struct {
		ID string `json:"id"`
	} `json:"task"`
	HistoryItems []struct {
		Comment struct {
			ID          string `json:"id"`
			TextContent string `json:"text_content"`
			User        struct {
				Username string `json:"username"`
			} `json:"user"`
		} `json:"comment"`
	} `json:"history_items"`
}

func (p *Parser) parseClickUp(eventType string, payload []byte) (Event, bool) {
	if eventType != "taskCommentPosted" {
		return Event{}, false
	}
	var body clickUpCommentPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return Event{}, false
	}
	rawID := body.TaskID
	if rawID == "" {
		rawID = body.Task.ID
	}
	if rawID == "" || len(body.HistoryItems) == 0 {
		return Event{}, false
	}
	c := body.HistoryItems[0].Comment
	if c.ID == "" {
		return Event{}, false
	}

	itemID := "clickup:" + rawID
	ctx := map[string]string{
		"commenter":    c.User.Username,
		"body_preview": preview(c.TextContent),
	}
	fp := "comment_id=" + c.ID

	if p.mentioned(c.TextContent) {
		return Event{Trigger: TriggerMentioned, ItemID: itemID, Fingerprint: fp, Context: ctx}, true
	}
	// ClickUp comment payloads carry no assignee; ownership is confirmed
	// against the item snapshot before the event reaches the filter.
	return Event{Trigger: TriggerCommentOnOwned, ItemID: itemID, Fingerprint: fp, Context: ctx}, true
}

func (p *Parser) isSelfLogin(login string) bool {
	if strings.EqualFold(login, p.self) {
		return true
	}
	for _, a := range p.aliases {
		if strings.EqualFold(strings.TrimPrefix(a, "@"), login) {
			return true
		}
	}
	return false
}

func preview(s string) string {
	if len(s) <= 100 {
		return s
	}
	return s[:100]
}

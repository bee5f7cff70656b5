// Package composer writes in-character messages for agent accounts using an
// LLM backend.
package composer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/social-scheduler/internal/llm"
	"github.com/capitalize-ai/social-scheduler/internal/model"
	"github.com/capitalize-ai/social-scheduler/pkg/logger"
	"github.com/capitalize-ai/social-scheduler/pkg/metrics"
)

// Closing lines used when generation fails. A conversation can always be
// wrapped up politely.
var fallbackClosings = []string{
	"Alright, I have to run. Great chatting with you!",
	"Okay, gotta go. Talk soon!",
}

// promptHistory bounds how many messages are rendered into a prompt.
const promptHistory = 15

// Config tunes generation.
type Config struct {
	Model string

	StarterTemperature float64
	ReplyTemperature   float64
	ClosingTemperature float64
	GroupTemperature   float64
}

// DefaultConfig returns the generation settings used in production.
func DefaultConfig() Config {
	return Config{
		StarterTemperature: 0.9,
		ReplyTemperature:   0.85,
		ClosingTemperature: 0.8,
		GroupTemperature:   0.9,
	}
}

// LLM composes messages through an llm.Client.
type LLM struct {
	client llm.Client
	cfg    Config
	log    *logger.Logger
}

// NewLLM creates a composer over client.
func NewLLM(client llm.Client, cfg Config, log *logger.Logger) *LLM {
	return &LLM{client: client, cfg: cfg, log: log.Named("composer")}
}

// ComposeStarter writes the first message from one account to another. An
// empty commonContext is inferred from shared interests.
func (c *LLM) ComposeStarter(ctx context.Context, from, to *model.Account, commonContext string) (string, error) {
	if commonContext == "" {
		commonContext = InferContext(from.Persona, to.Persona)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n", describe(from.Persona, "Anonymous"))
	fmt.Fprintf(&b, "Your style: %s\nYour interests: %s\n\n", or(from.Persona.Style, "friendly"), list(from.Persona.Interests, "chatting"))
	fmt.Fprintf(&b, "You want to start a private chat with %s.\n", describe(to.Persona, "someone"))
	fmt.Fprintf(&b, "Their interests: %s\n\n", list(to.Persona.Interests, "chatting"))
	fmt.Fprintf(&b, "How you might know each other: %s\n\n", commonContext)
	b.WriteString("Write the FIRST message. It needs a natural reason to reach out: a shared chat, a question about their interests, or something relevant to share. ")
	b.WriteString("Do not introduce yourself formally. One to three sentences, casual and friendly.\n\n")
	b.WriteString("Return ONLY the message text, without quotes.")

	return c.generate(ctx, "starter", b.String(), 150, c.cfg.StarterTemperature, maxLength)
}

// ComposeReply writes from's next message in a conversation with to.
func (c *LLM) ComposeReply(ctx context.Context, from, to *model.Account, history []model.Message, topic string) (string, error) {
	names := map[string]string{to.ID: to.Persona.FirstName("Them")}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n", describe(from.Persona, "Anonymous"))
	fmt.Fprintf(&b, "Traits: %s\nStyle: %s\nInterests: %s\n\n", list(from.Persona.Traits, "friendly"), or(from.Persona.Style, "friendly"), list(from.Persona.Interests, "chatting"))
	fmt.Fprintf(&b, "You are chatting with %s.\nTheir interests: %s\n\n", describe(to.Persona, "someone"), list(to.Persona.Interests, "chatting"))
	fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", transcript(history, from.ID, names))
	fmt.Fprintf(&b, "Current topic: %s\n\n", or(topic, "small talk"))
	b.WriteString("Reply to the last message like a real person in a messenger. Answer questions, ask your own, share an opinion, joke if it fits. ")
	b.WriteString("At most two emoji. One to four sentences. Do not repeat yourself or change the subject abruptly.\n\n")
	b.WriteString("Return ONLY the message text, without quotes.")

	return c.generate(ctx, "reply", b.String(), 200, c.cfg.ReplyTemperature, maxLength)
}

// ComposeClosing writes a short goodbye. It falls back to a canned line and
// only fails if the context is done.
func (c *LLM) ComposeClosing(ctx context.Context, from *model.Account, history []model.Message) (string, error) {
	if len(history) > 5 {
		history = history[len(history)-5:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, and your style is %s.\n\n", from.Persona.FirstName("Anonymous"), or(from.Persona.Style, "friendly"))
	b.WriteString("You need to wrap up a chat naturally.\n\n")
	fmt.Fprintf(&b, "Last messages:\n%s\n\n", transcript(history, from.ID, nil))
	b.WriteString("Write a closing message, one or two sentences, friendly and not formal.\n\n")
	b.WriteString("Return ONLY the message text, without quotes.")

	text, err := c.generate(ctx, "closing", b.String(), 100, c.cfg.ClosingTemperature, maxClosingLen)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return fallbackClosings[len(history)%len(fallbackClosings)], nil
}

// ComposeGroupMessage writes from's next message in a group.
func (c *LLM) ComposeGroupMessage(ctx context.Context, from *model.Account, others []model.Account, g *model.Group, history []model.Message) (string, error) {
	names := make(map[string]string, len(others))
	people := make([]string, 0, len(others))
	for _, o := range others {
		name := o.Persona.FirstName("Member")
		names[o.ID] = name
		people = append(people, describe(o.Persona, name))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\nStyle: %s\nInterests: %s\n\n", describe(from.Persona, "Anonymous"), or(from.Persona.Style, "friendly"), list(from.Persona.Interests, "chatting"))
	fmt.Fprintf(&b, "You are in a private %s group chat %q about %s.\n", g.Type, g.Title, or(g.Topic, "everyday life"))
	fmt.Fprintf(&b, "Other members:\n- %s\n\n", strings.Join(people, "\n- "))
	fmt.Fprintf(&b, "Recent messages:\n%s\n\n", transcript(history, from.ID, names))
	b.WriteString("Write your next message to the group. React to what others said or bring up something on topic. One to three sentences, casual.\n\n")
	b.WriteString("Return ONLY the message text, without quotes.")

	return c.generate(ctx, "group", b.String(), 200, c.cfg.GroupTemperature, maxLength)
}

func (c *LLM) generate(ctx context.Context, kind, prompt string, maxTokens int, temperature float64, maxLen int) (string, error) {
	start := time.Now()
	resp, err := c.client.Complete(ctx, &llm.CompletionRequest{
		Model:       c.cfg.Model,
		System:      "You write natural messages for a messenger chat. Reply with the message text only.",
		Messages:    []llm.ChatMessage{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		metrics.RecordCompose(c.client.Name(), c.cfg.Model, "error", time.Since(start).Seconds(), 0, 0)
		c.log.Warn("generation failed", zap.String("kind", kind), zap.Error(err))
		return "", fmt.Errorf("compose %s: %w", kind, err)
	}

	text, err := Clean(resp.Content, maxLen)
	if err != nil {
		metrics.RecordCompose(c.client.Name(), resp.Model, "rejected", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
		c.log.Warn("generated text rejected", zap.String("kind", kind), zap.Error(err))
		return "", fmt.Errorf("compose %s: %w", kind, err)
	}

	metrics.RecordCompose(c.client.Name(), resp.Model, "ok", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
	c.log.Debug("generated message", zap.String("kind", kind), zap.Int("length", len(text)))
	return text, nil
}

// InferContext describes how two personas might know each other.
func InferContext(a, b model.Persona) string {
	common := a.CommonInterests(b)
	if len(common) == 0 {
		return "Met by chance in a mutual chat"
	}
	if len(common) > 3 {
		common = common[:3]
	}
	return "Shared interests: " + strings.Join(common, ", ")
}

func describe(p model.Persona, fallback string) string {
	parts := []string{or(p.Name, fallback)}
	if p.Age > 0 {
		parts = append(parts, strconv.Itoa(p.Age))
	}
	if p.Occupation != "" {
		parts = append(parts, p.Occupation)
	}
	return strings.Join(parts, ", ")
}

// transcript renders history with the author's own lines marked as "You".
func transcript(history []model.Message, self string, names map[string]string) string {
	if len(history) > promptHistory {
		history = history[len(history)-promptHistory:]
	}
	if len(history) == 0 {
		return "(no messages yet)"
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		name := names[m.SenderID]
		switch {
		case m.SenderID == self:
			name = "You"
		case name == "":
			name = "Them"
		}
		lines = append(lines, name+": "+m.Text)
	}
	return strings.Join(lines, "\n")
}

func list(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return strings.Join(items, ", ")
}

func or(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

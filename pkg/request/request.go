package request

import (
	"fmt"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a conversation history.
type Message struct {
	Role    Role   `yaml:"role" json:"role"`
	Content string `yaml:"content" json:"content"`
}

// CacheControl marks the end of a cacheable prefix.
type CacheControl struct {
	Type string `yaml:"type" json:"type"`
}

// Ephemeral is the only cache-control type providers currently accept.
func Ephemeral() *CacheControl {
	return &CacheControl{Type: "ephemeral"}
}

// ContextItem is a named piece of supporting context sent alongside the task.
type ContextItem struct {
	Name         string        `yaml:"name" json:"name"`
	Content      string        `yaml:"content" json:"content"`
	Kind         ItemKind      `yaml:"kind,omitempty" json:"kind,omitempty"`
	Stability    Stability     `yaml:"stability,omitempty" json:"stability,omitempty"`
	IsStatic     bool          `yaml:"static,omitempty" json:"static,omitempty"`
	Relevance    *float64      `yaml:"relevance,omitempty" json:"relevance,omitempty"`
	CacheControl *CacheControl `yaml:"cache_control,omitempty" json:"cache_control,omitempty"`
}

// Request is the unit flowing through optimization, cache layout and dispatch.
// Item order is meaningful until explicitly reordered.
type Request struct {
	Task            string        `yaml:"task" json:"task"`
	System          string        `yaml:"system,omitempty" json:"system,omitempty"`
	SystemCacheable bool          `yaml:"system_cacheable,omitempty" json:"system_cacheable,omitempty"`
	Messages        []Message     `yaml:"messages,omitempty" json:"messages,omitempty"`
	Items           []ContextItem `yaml:"context,omitempty" json:"context,omitempty"`
}

// Clone returns a deep copy so strategies never share slices with their input.
func (r Request) Clone() Request {
	out := r
	if r.Messages != nil {
		out.Messages = append([]Message(nil), r.Messages...)
	}
	if r.Items != nil {
		out.Items = make([]ContextItem, len(r.Items))
		for i, item := range r.Items {
			out.Items[i] = item.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the item.
func (c ContextItem) Clone() ContextItem {
	out := c
	if c.Relevance != nil {
		v := *c.Relevance
		out.Relevance = &v
	}
	if c.CacheControl != nil {
		cc := *c.CacheControl
		out.CacheControl = &cc
	}
	return out
}

// WithRelevance returns a copy of the item carrying the given score.
func (c ContextItem) WithRelevance(score float64) ContextItem {
	out := c.Clone()
	out.Relevance = &score
	return out
}

// Render formats the item the way it is sent to a provider.
func (c ContextItem) Render() string {
	if c.Name == "" {
		return c.Content
	}
	return fmt.Sprintf("### %s\n%s", c.Name, c.Content)
}

// RenderContext joins all context items into one text block.
func (r Request) RenderContext() string {
	parts := make([]string, 0, len(r.Items))
	for _, item := range r.Items {
		parts = append(parts, item.Render())
	}
	return strings.Join(parts, "\n\n")
}

package handlers

import (
	"sync"

	"github.com/soullab/maia-voice/pkg/core/arbiter"
)

// ArbiterFactory builds a fresh arbiter for a new conversation.
type ArbiterFactory func() *arbiter.Arbiter

// Conversations maps (user, org) pairs to their arbiter. Each conversation
// owns its voice lock, buffer, and backchannel state; quota and capture
// stores are shared through the factory's closure.
type Conversations struct {
	newArbiter ArbiterFactory

	mu sync.Mutex
	m  map[string]*arbiter.Arbiter
}

func NewConversations(f ArbiterFactory) *Conversations {
	return &Conversations{newArbiter: f, m: make(map[string]*arbiter.Arbiter)}
}

// For returns the conversation arbiter for the pair, creating it on first use.
func (c *Conversations) For(userID, orgID string) *arbiter.Arbiter {
	key := userID + "\x00" + orgID
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.m[key]; ok {
		return a
	}
	a := c.newArbiter()
	c.m[key] = a
	return a
}

// Len reports the number of open conversations.
func (c *Conversations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

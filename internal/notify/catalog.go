package notify

import (
	"math/rand/v2"
	"strings"
	"sync"
)

// Category groups apps that share a message set
type Category string

const (
	CategorySocial  Category = "social"
	CategoryBrowser Category = "browser"
	CategoryGeneric Category = "generic"
)

var categoryKeywords = []struct {
	category Category
	keywords []string
}{
	{CategorySocial, []string{"instagram", "facebook", "twitter", "tiktok", "snapchat"}},
	{CategoryBrowser, []string{"chrome", "firefox", "browser"}},
}

var defaultMessages = map[Category][]string{
	CategorySocial: {
		"It's easy to get lost in the feed. How about a short break to join the flow of the real world?",
		"Posts are great, but the best moments are the ones nobody shares. Look up from the screen for a while.",
		"You've passed 90 minutes on social media. Why not call a friend?",
		"Likes and comments only go so far. Nothing beats talking to someone in person.",
		"You've run a digital marathon. Time for a stretch and a break.",
	},
	CategoryBrowser: {
		"Time to surface from the depths of the internet. Give your eyes a rest.",
		"Shall we take a short break before getting lost between tabs?",
		"90 minutes in an ocean of information... time to rest your mind.",
		"Squeezing a coffee break in between your research could be a great idea.",
		"Surfing the web can be tiring. How about a walk in the real world?",
	},
	CategoryGeneric: {
		"You've spent quite a while in this app. A short break can work wonders.",
		"Time for a reminder of your screen time goals. How about a small break?",
		"A digital break is one of the best ways to refresh your mind.",
		"Remember the time you set aside for yourself today? Now is the moment.",
		"Your eyes may be tired. Look at something far away for 20 seconds to rest them.",
	},
}

// CategoryFor classifies an app ID by case-insensitive keyword match.
// Social keywords are checked before browser keywords.
func CategoryFor(appID string) Category {
	lower := strings.ToLower(appID)
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.category
			}
		}
	}
	return CategoryGeneric
}

// Title returns the alert title for an escalation level
func Title(level int) string {
	if level >= 2 {
		return "Digital balance alert"
	}
	return "Digital balance check"
}

// Catalog picks alert messages. Selection is uniform and repeats are allowed.
type Catalog struct {
	messages map[Category][]string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewCatalog returns a catalog over the built-in English messages
func NewCatalog() *Catalog {
	return &Catalog{messages: defaultMessages}
}

// NewSeededCatalog returns a catalog with a deterministic message sequence
func NewSeededCatalog(seed uint64) *Catalog {
	return &Catalog{
		messages: defaultMessages,
		rng:      rand.New(rand.NewPCG(seed, seed)),
	}
}

// Messages returns the message set for a category
func (c *Catalog) Messages(category Category) []string {
	if msgs, ok := c.messages[category]; ok {
		return msgs
	}
	return c.messages[CategoryGeneric]
}

// Message picks one message for the category
func (c *Catalog) Message(category Category) string {
	msgs := c.Messages(category)
	if len(msgs) == 0 {
		return ""
	}
	return msgs[c.intN(len(msgs))]
}

func (c *Catalog) intN(n int) int {
	if c.rng == nil {
		return rand.IntN(n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.IntN(n)
}

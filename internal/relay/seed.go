package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LuminPulse-AI/chatsync"
)

// Seed is preloaded conversation data for a dev relay.
//
//	messages:
//	  - from: alice
//	    to: bob
//	    text: hi bob
//	    at: 2026-03-01T12:00:00Z
//	    status: read
type Seed struct {
	Messages []SeedMessage `yaml:"messages"`
}

type SeedMessage struct {
	From   string    `yaml:"from"`
	To     string    `yaml:"to"`
	Text   string    `yaml:"text"`
	At     time.Time `yaml:"at"`
	Status string    `yaml:"status"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	for i, m := range seed.Messages {
		if m.From == "" || m.To == "" {
			return nil, fmt.Errorf("seed message %d: from and to are required", i)
		}
		if m.Status != "" && !chatsync.Status(m.Status).Valid() {
			return nil, fmt.Errorf("seed message %d: unknown status %q", i, m.Status)
		}
	}
	return &seed, nil
}

// Apply stores the seed's messages and returns how many were added.
func (s *Seed) Apply(store *Store) int {
	n := 0
	for _, m := range s.Messages {
		if _, created := store.Add(chatsync.Message{
			SenderID:   m.From,
			ReceiverID: m.To,
			Text:       m.Text,
			CreatedAt:  m.At,
			Status:     chatsync.Status(m.Status),
		}); created {
			n++
		}
	}
	return n
}

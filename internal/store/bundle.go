package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kuleshov01/new-max-bot/internal/models"
)

// Bundle is an importable set of bots with their flows. JSON documents are
// accepted as well since they are valid YAML.
type Bundle struct {
	Bots []BundleBot `yaml:"bots"`
}

// BundleBot is one bot of a Bundle. Token may reference environment
// variables as ${NAME}.
type BundleBot struct {
	Name    string       `yaml:"name"`
	Token   string       `yaml:"token"`
	BaseURL string       `yaml:"base_url"`
	Flow    *models.Flow `yaml:"flow"`
}

// ParseBundle decodes and validates a bundle without touching any store.
func ParseBundle(r io.Reader) (*Bundle, error) {
	var b Bundle
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&b); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("bundle is empty")
		}
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	for i := range b.Bots {
		bb := &b.Bots[i]
		bb.Token = os.ExpandEnv(bb.Token)
		bot := models.Bot{Name: bb.Name, Token: bb.Token}
		if err := bot.Validate(); err != nil {
			return nil, fmt.Errorf("bot #%d: %w", i+1, err)
		}
		if bb.Flow != nil {
			if err := bb.Flow.Validate(); err != nil {
				return nil, fmt.Errorf("bot %q: %w", bb.Name, err)
			}
		}
	}
	return &b, nil
}

// ImportBundle creates every bot of the bundle read from r and saves its flow.
// The whole bundle is validated before anything is written.
func ImportBundle(ctx context.Context, st Store, r io.Reader) ([]models.Bot, error) {
	b, err := ParseBundle(r)
	if err != nil {
		return nil, err
	}

	created := make([]models.Bot, 0, len(b.Bots))
	for _, bb := range b.Bots {
		bot, err := st.CreateBot(ctx, models.Bot{Name: bb.Name, Token: bb.Token, BaseURL: bb.BaseURL})
		if err != nil {
			return created, fmt.Errorf("failed to create bot %q: %w", bb.Name, err)
		}
		if bb.Flow != nil {
			if err := st.SaveFlow(ctx, bot.ID, bb.Flow); err != nil {
				return created, fmt.Errorf("failed to save flow of bot %q: %w", bb.Name, err)
			}
		}
		slog.Info("store.ImportBundle: imported bot", "bot_id", bot.ID, "name", bot.Name, "has_flow", bb.Flow != nil)
		created = append(created, bot)
	}
	return created, nil
}

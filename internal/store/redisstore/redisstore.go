// Package redisstore persists derived issues and personas to Redis, upserting
// by id so repeated analysis runs overwrite rather than accumulate.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

// Store wraps a Redis client with issue/persona specific methods. Issues live
// in one hash keyed by issue id, personas in another keyed by persona name.
type Store struct {
	client *redis.Client
	prefix string
}

// NewClient connects to Redis with the given configuration.
func NewClient(cfg config.StoreCfg) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Str("addr", cfg.Address).Msg("connected to redis")
	return rdb, nil
}

// New wraps an existing client.
func New(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "behavior"
	}
	return &Store{client: client, prefix: keyPrefix}
}

func (s *Store) issuesKey() string   { return s.prefix + ":issues" }
func (s *Store) personasKey() string { return s.prefix + ":personas" }

// SaveIssues upserts every issue by id.
func (s *Store) SaveIssues(ctx context.Context, issues []model.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	fields := make(map[string]any, len(issues))
	for _, iss := range issues {
		b, err := json.Marshal(iss)
		if err != nil {
			return fmt.Errorf("marshal issue %s: %w", iss.ID, err)
		}
		fields[iss.ID] = b
	}
	if err := s.client.HSet(ctx, s.issuesKey(), fields).Err(); err != nil {
		return fmt.Errorf("hset issues: %w", err)
	}
	return nil
}

// SavePersonas upserts every persona by name.
func (s *Store) SavePersonas(ctx context.Context, personas []model.PersonaDefinition) error {
	if len(personas) == 0 {
		return nil
	}
	fields := make(map[string]any, len(personas))
	for _, p := range personas {
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal persona %s: %w", p.Name, err)
		}
		fields[p.Name] = b
	}
	if err := s.client.HSet(ctx, s.personasKey(), fields).Err(); err != nil {
		return fmt.Errorf("hset personas: %w", err)
	}
	return nil
}

// ListIssues returns every persisted issue.
func (s *Store) ListIssues(ctx context.Context) ([]model.Issue, error) {
	raw, err := s.client.HGetAll(ctx, s.issuesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall issues: %w", err)
	}
	out := make([]model.Issue, 0, len(raw))
	for id, v := range raw {
		var iss model.Issue
		if err := json.Unmarshal([]byte(v), &iss); err != nil {
			log.Warn().Str("id", id).Err(err).Msg("skipping undecodable issue")
			continue
		}
		out = append(out, iss)
	}
	return out, nil
}

// ListPersonas returns every persisted persona.
func (s *Store) ListPersonas(ctx context.Context) ([]model.PersonaDefinition, error) {
	raw, err := s.client.HGetAll(ctx, s.personasKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall personas: %w", err)
	}
	out := make([]model.PersonaDefinition, 0, len(raw))
	for name, v := range raw {
		var p model.PersonaDefinition
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			log.Warn().Str("name", name).Err(err).Msg("skipping undecodable persona")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"fixitnow/internal/domain"
	"fixitnow/internal/engine/auth"
	"fixitnow/internal/repo"
)

const apiKeyPrefix = "fxn_"

// CreateAPIKey issues a key bound to owner and returns the plain key once;
// only its hash is stored. Non-admins may only issue keys to themselves.
func (e Engine) CreateAPIKey(ctx context.Context, actor, owner domain.Actor, name string) (domain.APIKey, string, error) {
	if err := auth.RequireActor(actor, "apikey.create"); err != nil {
		return domain.APIKey{}, "", err
	}
	if owner.ID == "" {
		owner = actor
	}
	if actor.Role != domain.RoleAdmin && owner != actor {
		return domain.APIKey{}, "", &auth.ForbiddenError{Permission: "apikey.create", ActorID: actor.ID, Reason: "can only issue keys to yourself"}
	}
	if _, err := domain.ParseRole(string(owner.Role)); err != nil {
		return domain.APIKey{}, "", &domain.ValidationError{Field: "role", Reason: err.Error()}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   owner.ID,
		Role:      owner.Role,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	e.logger().Info("api key created", "key", key.ID, "actor", owner.ID, "role", owner.Role)
	return key, plain, nil
}

// ListAPIKeys lists keys of the caller, or of everyone for an admin.
func (e Engine) ListAPIKeys(ctx context.Context, actor domain.Actor) ([]domain.APIKey, error) {
	if err := auth.RequireActor(actor, "apikey.list"); err != nil {
		return nil, err
	}
	owner := actor.ID
	if actor.Role == domain.RoleAdmin {
		owner = ""
	}
	return e.Repo.ListAPIKeys(ctx, owner)
}

func (e Engine) DeleteAPIKey(ctx context.Context, actor domain.Actor, id string) error {
	if err := auth.RequireActor(actor, "apikey.delete"); err != nil {
		return err
	}
	if actor.Role != domain.RoleAdmin {
		keys, err := e.Repo.ListAPIKeys(ctx, actor.ID)
		if err != nil {
			return err
		}
		owned := false
		for _, k := range keys {
			owned = owned || k.ID == id
		}
		if !owned {
			return repo.ErrNotFound
		}
	}
	return e.Repo.DeleteAPIKey(ctx, id)
}

// Authenticate resolves a plain API key to its actor.
func (e Engine) Authenticate(ctx context.Context, plain string) (domain.Actor, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{ID: key.ActorID, Role: key.Role}, nil
}

// Package session persists the authenticated vendor session so a
// restart reuses the previous bearer token instead of signing in
// again, and refreshes the token periodically while running.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pikbridge/internal/blob"
	"pikbridge/internal/pik"
)

const blobName = "session"

// State is the persisted session snapshot.
type State struct {
	Token     string    `json:"token"`
	DeviceID  string    `json:"device_id"`
	Username  string    `json:"username"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Keeper owns the client's authentication lifecycle: restore on
// start, persist after every sign-in, reauthenticate on a timer.
type Keeper struct {
	client *pik.Client
	store  blob.Store
	log    *zap.Logger
}

func NewKeeper(client *pik.Client, store blob.Store, logger *zap.Logger) *Keeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keeper{client: client, store: store, log: logger}
}

// LoadDeviceID returns the persisted device id, if any. Called before
// the client is built so the stored id wins over a generated one.
func LoadDeviceID(ctx context.Context, store blob.Store) (string, error) {
	state, err := load(ctx, store)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return state.DeviceID, nil
}

// Establish makes the client authenticated: a persisted token for the
// same account is restored and a fresh sign-in performed otherwise.
// The resulting session is persisted.
func (k *Keeper) Establish(ctx context.Context) error {
	state, err := load(ctx, k.store)
	switch {
	case err == nil && state.Token != "" && state.Username == k.client.Username():
		k.client.RestoreSession(state.Token)
		k.log.Info("restored persisted session",
			zap.Time("saved_at", state.UpdatedAt))
		return nil
	case err != nil && !errors.Is(err, blob.ErrNotFound):
		k.log.Warn("session blob unreadable, signing in fresh", zap.Error(err))
	}

	return k.Reauthenticate(ctx)
}

// Reauthenticate signs in again and persists the new token.
func (k *Keeper) Reauthenticate(ctx context.Context) error {
	if err := k.client.Authenticate(ctx); err != nil {
		return err
	}
	if err := k.save(ctx); err != nil {
		k.log.Warn("session persist failed", zap.Error(err))
	}
	return nil
}

// Run refreshes the token at the given interval until the context is
// cancelled. A non-positive interval disables the loop.
func (k *Keeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.Reauthenticate(ctx); err != nil && ctx.Err() == nil {
				k.log.Warn("scheduled reauthentication failed", zap.Error(err))
			}
		}
	}
}

func (k *Keeper) save(ctx context.Context) error {
	state := State{
		Token:     k.client.Token(),
		DeviceID:  k.client.DeviceID(),
		Username:  k.client.Username(),
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return k.store.Save(ctx, blobName, data)
}

func load(ctx context.Context, store blob.Store) (State, error) {
	data, err := store.Load(ctx, blobName)
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode session blob: %w", err)
	}
	return state, nil
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
)

// RotationState is the phase of a Rotation.
type RotationState int

const (
	// RotationPending means the new identifier exists and the old one is still live.
	RotationPending RotationState = iota
	// RotationCommitted means the old identifier has been retired.
	RotationCommitted
)

// String returns the state name.
func (s RotationState) String() string {
	switch s {
	case RotationPending:
		return "pending"
	case RotationCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// Rotation tracks a two-phase identifier rotation begun by BeginRotation.
type Rotation struct {
	OldID string
	NewID string
	// Record is the session under NewID, refresh token decrypted.
	Record *Record

	broker *Broker

	mu    sync.Mutex
	state RotationState
}

// BeginRotation runs PreRotate for oldID. It returns nil without error when
// oldID names no live session.
func (b *Broker) BeginRotation(ctx context.Context, oldID string) (*Rotation, error) {
	newID, rec, err := b.preRotate(ctx, oldID)
	if err != nil || newID == "" {
		return nil, err
	}
	return &Rotation{
		OldID:  oldID,
		NewID:  newID,
		Record: rec,
		broker: b,
	}, nil
}

// State reports the current phase.
func (r *Rotation) State() RotationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Commit retires the old identifier. Only the first successful call reaches
// the store.
func (r *Rotation) Commit(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == RotationCommitted {
		return nil
	}
	if err := r.broker.FinalizeRotate(ctx, r.OldID); err != nil {
		return err
	}
	r.state = RotationCommitted
	return nil
}

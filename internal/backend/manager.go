// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend manages the external agent processes behind the session
// orchestrator: spawning, cancelling, liveness queries, and history loads.
package backend

import (
	"context"

	"github.com/RubinCarter/ropcode/internal/stream"
)

// Manager is the process-management collaborator. The orchestrator only
// talks to this interface; the exec adapter below is one implementation and
// tests substitute fakes.
type Manager interface {
	// SubmitNewSession spawns a fresh agent process for the project path.
	SubmitNewSession(ctx context.Context, projectPath, prompt, model, provider, apiConfigID string) error

	// ResumeSession spawns an agent process attached to an existing session
	// under the provider the session was recorded with.
	ResumeSession(ctx context.Context, projectPath, sessionID, prompt, model, provider string) error

	// CancelSession stops the running process for the project path.
	CancelSession(ctx context.Context, projectPath string) error

	// QueryIsRunning reports authoritative process liveness.
	QueryIsRunning(ctx context.Context, projectPath, provider string) (bool, error)

	// LoadHistory returns the ordered transcript of a past session.
	LoadHistory(ctx context.Context, sessionID, projectID, provider string) ([]*stream.StreamEvent, error)
}

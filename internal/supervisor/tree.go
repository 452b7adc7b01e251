// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

// Package supervisor assembles the daemon's suture service tree. Two
// layers: jobs (the daily scheduler) and api (the operator HTTP server),
// so a crashing job cannot take the API down with it.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Tree is the daemon's supervisor hierarchy.
type Tree struct {
	root *suture.Supervisor
	jobs *suture.Supervisor
	api  *suture.Supervisor
}

// NewTree creates the supervisor tree. Restart policy follows suture's
// defaults (5 failures decaying over 30s, then 15s backoff).
func NewTree(logger *slog.Logger) *Tree {
	hook := (&sutureslog.Handler{Logger: logger}).MustHook()

	spec := suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
	}

	root := suture.New("eventsync", spec)
	jobs := suture.New("jobs", spec)
	api := suture.New("api", spec)
	root.Add(jobs)
	root.Add(api)

	return &Tree{root: root, jobs: jobs, api: api}
}

// AddJobService adds a service to the jobs layer.
func (t *Tree) AddJobService(svc suture.Service) {
	t.jobs.Add(svc)
}

// AddAPIService adds a service to the api layer.
func (t *Tree) AddAPIService(svc suture.Service) {
	t.api.Add(svc)
}

// Serve runs the tree until the context is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

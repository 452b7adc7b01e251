// Eventsync - Analytics Event Sync and Enrichment Pipeline
// Copyright 2026 Cadence Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cadencehq/eventsync

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cadencehq/eventsync/internal/geo"
	"github.com/cadencehq/eventsync/internal/models"
)

type fakeLocal struct {
	records []models.SessionRecord
	err     error
}

func (f *fakeLocal) ListSessions(_ string) ([]models.SessionRecord, error) {
	return f.records, f.err
}

type fakeDurable struct {
	sessions map[string]models.SessionRecord
	pingErr  error
	failIDs  map[string]bool
	upserts  int
}

func newFakeDurable(existing ...string) *fakeDurable {
	d := &fakeDurable{
		sessions: make(map[string]models.SessionRecord),
		failIDs:  make(map[string]bool),
	}
	for _, id := range existing {
		d.sessions[id] = models.SessionRecord{SessionID: id}
	}
	return d
}

func (f *fakeDurable) Ping(_ context.Context) error {
	return f.pingErr
}

func (f *fakeDurable) BulkListSessionIDs(_ context.Context) (map[string]struct{}, error) {
	ids := make(map[string]struct{}, len(f.sessions))
	for id := range f.sessions {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (f *fakeDurable) UpsertSession(_ context.Context, rec models.SessionRecord) error {
	f.upserts++
	if f.failIDs[rec.SessionID] {
		return errors.New("malformed record")
	}
	f.sessions[rec.SessionID] = rec
	return nil
}

type fakeState struct {
	state models.SyncState
	saves int
}

func (f *fakeState) Load() (models.SyncState, error) { return f.state, nil }

func (f *fakeState) Save(s models.SyncState) error {
	f.state = s
	f.saves++
	return nil
}

type fakeGeo struct {
	data map[string]*geo.Data
}

func (f *fakeGeo) Resolve(_ context.Context, ip string) *geo.Data {
	return f.data[ip]
}

func records(ids ...string) []models.SessionRecord {
	out := make([]models.SessionRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.SessionRecord{SessionID: id})
	}
	return out
}

func testOptions() Options {
	return Options{Dataset: "sessions", BatchSize: 100, BatchCap: 50, BatchDelay: time.Millisecond}
}

func TestRunSyncSetDifference(t *testing.T) {
	local := &fakeLocal{records: records("a", "b", "c")}
	dur := newFakeDurable("a", "b")
	state := &fakeState{}
	r := New(local, dur, state, testOptions())

	res, err := r.RunSync(context.Background())
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if !res.Success || res.Synced != 1 || res.Errors != 0 {
		t.Errorf("result = %+v, want 1 synced, 0 errors", res)
	}
	if _, ok := dur.sessions["c"]; !ok {
		t.Error("record c was not synced")
	}
	if dur.upserts != 1 {
		t.Errorf("upserts = %d, want 1 (only the difference is written)", dur.upserts)
	}
	if state.state.TotalSynced != 1 {
		t.Errorf("TotalSynced = %d, want 1", state.state.TotalSynced)
	}
	if state.state.LastSyncedSessionID != "c" {
		t.Errorf("LastSyncedSessionID = %s, want c", state.state.LastSyncedSessionID)
	}
	if state.state.LastError != nil {
		t.Errorf("LastError = %v, want nil", *state.state.LastError)
	}
}

func TestRunSyncPingFailureNoSideEffects(t *testing.T) {
	local := &fakeLocal{records: records("a")}
	dur := newFakeDurable()
	dur.pingErr = errors.New("store down")
	state := &fakeState{state: models.SyncState{TotalSynced: 7}}
	r := New(local, dur, state, testOptions())

	_, err := r.RunSync(context.Background())
	if err == nil {
		t.Fatal("expected error when durable store is unreachable")
	}
	if dur.upserts != 0 {
		t.Errorf("upserts = %d, want 0 (no partial work)", dur.upserts)
	}
	if state.state.LastError == nil {
		t.Error("failure not recorded in sync state")
	}
	if state.state.TotalSynced != 7 {
		t.Errorf("TotalSynced = %d, progress counters must not move on failure", state.state.TotalSynced)
	}
}

func TestRunSyncPerRecordIsolation(t *testing.T) {
	local := &fakeLocal{records: records("a", "b", "c")}
	dur := newFakeDurable()
	dur.failIDs["b"] = true
	state := &fakeState{}
	r := New(local, dur, state, testOptions())

	res, err := r.RunSync(context.Background())
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if res.Synced != 2 || res.Errors != 1 {
		t.Errorf("result = %+v, want 2 synced, 1 error", res)
	}
	if _, ok := dur.sessions["c"]; !ok {
		t.Error("record after the failing one was not synced")
	}
	if state.state.LastError == nil {
		t.Error("LastError not set despite record failures")
	}
	if state.state.TotalSynced != 2 {
		t.Errorf("TotalSynced = %d, want 2", state.state.TotalSynced)
	}
}

func TestRunSyncBatchCap(t *testing.T) {
	var ids []string
	for i := 0; i < 12000; i++ {
		ids = append(ids, fmt.Sprintf("s-%d", i))
	}
	local := &fakeLocal{records: records(ids...)}
	dur := newFakeDurable()
	state := &fakeState{}
	opts := testOptions()
	opts.BatchDelay = time.Microsecond
	r := New(local, dur, state, opts)

	res, err := r.RunSync(context.Background())
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if res.Synced != 5000 {
		t.Errorf("Synced = %d, want 5000 (100-record batches, 50-batch cap)", res.Synced)
	}
	if !res.CapReached {
		t.Error("CapReached = false, want true")
	}
	if res.Pending != 7000 {
		t.Errorf("Pending = %d, want 7000", res.Pending)
	}
}

func TestRunSyncClassifiesDevice(t *testing.T) {
	local := &fakeLocal{records: []models.SessionRecord{
		{SessionID: "m", UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)"},
		{SessionID: "t", UserAgent: "Mozilla/5.0 (iPad; CPU OS 17_0)"},
		{SessionID: "d", UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X)"},
	}}
	dur := newFakeDurable()
	r := New(local, dur, &fakeState{}, testOptions())

	if _, err := r.RunSync(context.Background()); err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	want := map[string]models.DeviceCategory{
		"m": models.DeviceMobile,
		"t": models.DeviceTablet,
		"d": models.DeviceDesktop,
	}
	for id, cat := range want {
		if got := dur.sessions[id].DeviceCategory; got != cat {
			t.Errorf("session %s device = %s, want %s", id, got, cat)
		}
	}
}

func TestRunSyncGeoEnrichment(t *testing.T) {
	local := &fakeLocal{records: []models.SessionRecord{
		{SessionID: "bare", IPAddress: "203.0.113.9"},
		{SessionID: "enriched", IPAddress: "203.0.113.9", Country: "France"},
	}}
	dur := newFakeDurable()
	opts := testOptions()
	opts.Geo = &fakeGeo{data: map[string]*geo.Data{
		"203.0.113.9": {Country: "Germany", CountryCode: "DE", City: "Berlin"},
	}}
	r := New(local, dur, &fakeState{}, opts)

	if _, err := r.RunSync(context.Background()); err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	if got := dur.sessions["bare"]; got.Country != "Germany" || got.CountryISO2 != "DE" {
		t.Errorf("bare record not enriched: %+v", got)
	}
	// Records that already carry geolocation are left untouched.
	if got := dur.sessions["enriched"]; got.Country != "France" {
		t.Errorf("pre-enriched record overwritten: %+v", got)
	}
}

func TestRunSyncEmptyDifference(t *testing.T) {
	local := &fakeLocal{records: records("a")}
	dur := newFakeDurable("a")
	state := &fakeState{}
	r := New(local, dur, state, testOptions())

	res, err := r.RunSync(context.Background())
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if !res.Success || res.Synced != 0 {
		t.Errorf("result = %+v, want clean no-op", res)
	}
	if state.saves != 1 {
		t.Errorf("state saves = %d, want 1 (timestamp still advances)", state.saves)
	}
}

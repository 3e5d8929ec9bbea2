/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

func labRef(id string) contracts.EntityRef {
	return contracts.EntityRef{Kind: contracts.EntityLab, ID: id}
}

func testLab(id string, status contracts.LabStatus) *contracts.LabRecord {
	return &contracts.LabRecord{
		LabID:     id,
		Status:    status,
		StartTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestApplyVersionsAndHistory(t *testing.T) {
	s, err := Open(t.TempDir(), NewMemoryBus(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	changed, err := s.Apply(ctx, labRef("lab-1"), testLab("lab-1", contracts.LabPlanning), contracts.SourceOrchestrator)
	require.NoError(t, err)
	assert.True(t, changed)

	// Identical payload is a no-op.
	changed, err = s.Apply(ctx, labRef("lab-1"), testLab("lab-1", contracts.LabPlanning), contracts.SourceOrchestrator)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.Apply(ctx, labRef("lab-1"), testLab("lab-1", contracts.LabDeploying), contracts.SourceOrchestrator)
	require.NoError(t, err)
	assert.True(t, changed)

	_, version, ok := s.Get(labRef("lab-1"))
	require.True(t, ok)
	assert.Equal(t, uint64(2), version)

	history := s.History(labRef("lab-1"))
	require.Len(t, history, 2)
	assert.Equal(t, uint64(1), history[0].Version)
	assert.Empty(t, history[0].PrevHash)
	assert.Equal(t, eventHash(&history[0]), history[1].PrevHash)
	assert.NotEmpty(t, history[1].Prev)

	lab, ok := s.GetLab("lab-1")
	require.True(t, ok)
	assert.Equal(t, contracts.LabDeploying, lab.Status)
}

func TestRehydrateFromEventLog(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = s.Apply(ctx, labRef("lab-1"), testLab("lab-1", contracts.LabPlanning), contracts.SourceOrchestrator)
	require.NoError(t, err)
	_, err = s.Apply(ctx, labRef("lab-1"), testLab("lab-1", contracts.LabReady), contracts.SourceOrchestrator)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(dir, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer reopened.Close()

	lab, ok := reopened.GetLab("lab-1")
	require.True(t, ok)
	assert.Equal(t, contracts.LabReady, lab.Status)
	assert.Len(t, reopened.History(labRef("lab-1")), 2)

	// Appending continues the chain.
	changed, err := reopened.Apply(ctx, labRef("lab-1"), testLab("lab-1", contracts.LabDestroyed), contracts.SourceOrchestrator)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(3), reopened.History(labRef("lab-1"))[2].Version)
}

func TestRehydrateDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = s.Apply(ctx, labRef("lab-1"), testLab("lab-1", contracts.LabPlanning), contracts.SourceOrchestrator)
	require.NoError(t, err)
	_, err = s.Apply(ctx, labRef("lab-1"), testLab("lab-1", contracts.LabReady), contracts.SourceOrchestrator)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	logPath := filepath.Join(dir, eventLogName)
	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"PLANNING"`, `"DEGRADED"`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(logPath, []byte(tampered), 0o644))

	_, err = Open(dir, nil, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Equal(t, contracts.ErrorKindPermanent, contracts.KindOf(err))
	assert.Contains(t, err.Error(), "hash chain")
}

func TestAsOf(t *testing.T) {
	s, err := Open(t.TempDir(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.Apply(ctx, labRef("lab-1"), testLab("lab-1", contracts.LabPlanning), contracts.SourceOrchestrator)
	require.NoError(t, err)
	cut := time.Now()
	time.Sleep(5 * time.Millisecond)
	_, err = s.Apply(ctx, labRef("lab-1"), testLab("lab-1", contracts.LabReady), contracts.SourceOrchestrator)
	require.NoError(t, err)

	payload, ok := s.AsOf(labRef("lab-1"), cut)
	require.True(t, ok)
	assert.Contains(t, string(payload), "PLANNING")

	payload, ok = s.AsOf(labRef("lab-1"), time.Now())
	require.True(t, ok)
	assert.Contains(t, string(payload), "READY")

	_, ok = s.AsOf(labRef("lab-1"), cut.Add(-time.Hour))
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Apply(context.Background(), labRef("lab-1"), testLab("lab-1", contracts.LabReady), contracts.SourceOrchestrator)
	require.NoError(t, err)
	require.NoError(t, s.Snapshot())

	raw, err := os.ReadFile(filepath.Join(dir, "snapshots", "lab_lab-1.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"lab_id":"lab-1"`)
}

func TestDriftLifecycle(t *testing.T) {
	s, err := Open(t.TempDir(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	ref := contracts.EntityRef{Kind: contracts.EntityVM, ID: "mock:pve/101"}
	s.RecordDrift(contracts.Drift{Entity: ref, Field: "status", Expected: "RUNNING", Observed: "STOPPED", DetectedAt: time.Now()})
	// Re-observation updates the pending record instead of duplicating it.
	s.RecordDrift(contracts.Drift{Entity: ref, Field: "status", Expected: "RUNNING", Observed: "DELETED", DetectedAt: time.Now()})

	pending := s.PendingDrifts()
	require.Len(t, pending, 1)
	assert.Equal(t, "DELETED", pending[0].Observed)

	s.ResolveDrift(ref, "status", contracts.DriftReconciled)
	assert.Empty(t, s.PendingDrifts())
}

func TestMemoryBusTopics(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	ev := func(kind contracts.EntityKind, id string) *contracts.StateChange {
		return &contracts.StateChange{
			Version:   1,
			Entity:    contracts.EntityRef{Kind: kind, ID: id},
			Payload:   []byte(`{}`),
			Timestamp: time.Now(),
			Source:    contracts.SourceOrchestrator,
		}
	}

	require.NoError(t, bus.Publish(ctx, ev(contracts.EntityLab, "lab-1")))

	// Cursor from start replays retained history.
	all, cancelAll, err := bus.Subscribe(ctx, "*", CursorStart)
	require.NoError(t, err)
	defer cancelAll()

	vms, cancelVMs, err := bus.Subscribe(ctx, "vm/", "")
	require.NoError(t, err)
	defer cancelVMs()

	require.NoError(t, bus.Publish(ctx, ev(contracts.EntityVM, "mock:pve/101")))
	require.NoError(t, bus.Publish(ctx, ev(contracts.EntityHost, "mock:pve")))

	got := []string{(<-all).Entity.String(), (<-all).Entity.String(), (<-all).Entity.String()}
	assert.Equal(t, []string{"lab/lab-1", "vm/mock:pve/101", "host/mock:pve"}, got)

	vmEv := <-vms
	assert.Equal(t, "vm/mock:pve/101", vmEv.Entity.String())
	select {
	case extra := <-vms:
		t.Fatalf("unexpected event on vm topic: %s", extra.Entity)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusResumeFromCursor(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	ref := contracts.EntityRef{Kind: contracts.EntityVM, ID: "mock:pve/101"}
	for v := uint64(1); v <= 5; v++ {
		require.NoError(t, bus.Publish(ctx, &contracts.StateChange{
			Version:   v,
			Entity:    ref,
			Payload:   []byte(`{}`),
			Timestamp: time.Now(),
			Source:    contracts.SourceOrchestrator,
		}))
	}

	// Resuming from version 2 replays only the retained events after it.
	ch, cancel, err := bus.Subscribe(ctx, "vm/", "2")
	require.NoError(t, err)
	defer cancel()

	var replayed []uint64
	for len(replayed) < 3 {
		select {
		case ev := <-ch:
			replayed = append(replayed, ev.Version)
		case <-time.After(time.Second):
			t.Fatalf("replay stalled after %v", replayed)
		}
	}
	assert.Equal(t, []uint64{3, 4, 5}, replayed)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected replayed version %d", extra.Version)
	case <-time.After(50 * time.Millisecond):
	}

	_, _, err = bus.Subscribe(ctx, "vm/", "not-a-version")
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))
}

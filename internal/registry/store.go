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

// Package registry is the event-sourced source of truth for labs, VMs,
// networks, and hosts. Every write appends a hash-chained StateChange to the
// log, bumps the per-entity version, and publishes onto the event bus.
package registry

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glassdome/glassdome/internal/obs/metrics"
	"github.com/glassdome/glassdome/internal/platform/contracts"
)

const eventLogName = "events.log"

// Store holds the authoritative resource graph.
type Store struct {
	mu       sync.Mutex
	dir      string
	logFile  *os.File
	bus      Bus
	logger   *zap.Logger
	entities map[string]*entityState
	drifts   []contracts.Drift
}

type entityState struct {
	version  uint64
	payload  json.RawMessage
	lastHash string
	history  []contracts.StateChange
}

// Open loads the store from dir, replaying and verifying the append-only
// event log. A broken hash chain or version gap is Permanent.
func Open(dir string, bus Bus, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}
	s := &Store{
		dir:      dir,
		bus:      bus,
		logger:   logger,
		entities: make(map[string]*entityState),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}

	logPath := filepath.Join(dir, eventLogName)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	s.logFile = f
	return s, nil
}

func (s *Store) replay() error {
	f, err := os.Open(filepath.Join(s.dir, eventLogName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev contracts.StateChange
		if err := json.Unmarshal(raw, &ev); err != nil {
			return contracts.NewPermanent(fmt.Sprintf("event log line %d is corrupt", line), err)
		}
		st := s.state(ev.Entity)
		if ev.Version != st.version+1 {
			return contracts.NewPermanent(
				fmt.Sprintf("event log line %d: version gap for %s (have %d, got %d)",
					line, ev.Entity, st.version, ev.Version), nil)
		}
		if ev.PrevHash != st.lastHash {
			return contracts.NewPermanent(
				fmt.Sprintf("event log line %d: hash chain broken for %s", line, ev.Entity), nil)
		}
		s.commit(st, ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading event log: %w", err)
	}
	s.logger.Info("registry rehydrated",
		zap.Int("entities", len(s.entities)),
		zap.Int("events", line))
	return nil
}

func (s *Store) state(ref contracts.EntityRef) *entityState {
	st, ok := s.entities[ref.String()]
	if !ok {
		st = &entityState{}
		s.entities[ref.String()] = st
	}
	return st
}

func (s *Store) commit(st *entityState, ev contracts.StateChange) {
	st.version = ev.Version
	st.payload = ev.Payload
	st.lastHash = eventHash(&ev)
	st.history = append(st.history, ev)
}

// eventHash chains events: each event carries the hash of its predecessor, so
// rewriting history invalidates every later hash.
func eventHash(ev *contracts.StateChange) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s",
		ev.Version, ev.Entity, ev.PrevHash, ev.Payload, ev.Timestamp.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// Apply records a new observation of the entity. If the serialized payload is
// byte-identical to the current one, no event is written and changed=false.
func (s *Store) Apply(ctx context.Context, ref contracts.EntityRef, payload any, source contracts.ChangeSource) (changed bool, err error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, contracts.NewValidation("payload", fmt.Sprintf("serializing %s: %v", ref, err))
	}

	s.mu.Lock()
	st := s.state(ref)
	if st.payload != nil && string(st.payload) == string(body) {
		s.mu.Unlock()
		return false, nil
	}
	ev := contracts.StateChange{
		Version:   st.version + 1,
		Entity:    ref,
		Prev:      st.payload,
		Payload:   body,
		PrevHash:  st.lastHash,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
	line, err := json.Marshal(&ev)
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("serializing event: %w", err)
	}
	if s.logFile != nil {
		if _, err := s.logFile.Write(append(line, '\n')); err != nil {
			s.mu.Unlock()
			return false, fmt.Errorf("appending event: %w", err)
		}
	}
	s.commit(st, ev)
	s.mu.Unlock()

	metrics.RecordRegistryEvent(string(ref.Kind), string(source))
	if s.bus != nil {
		if err := s.bus.Publish(ctx, &ev); err != nil {
			s.logger.Warn("publishing state change",
				zap.String("entity", ref.String()), zap.Error(err))
		}
	}
	return true, nil
}

// Get returns the current payload and version of the entity.
func (s *Store) Get(ref contracts.EntityRef) (json.RawMessage, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[ref.String()]
	if !ok || st.payload == nil {
		return nil, 0, false
	}
	return st.payload, st.version, true
}

// History returns every event recorded for the entity, oldest first.
func (s *Store) History(ref contracts.EntityRef) []contracts.StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[ref.String()]
	if !ok {
		return nil
	}
	return append([]contracts.StateChange(nil), st.history...)
}

// AsOf returns the entity payload as it stood at the given instant.
func (s *Store) AsOf(ref contracts.EntityRef, at time.Time) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[ref.String()]
	if !ok {
		return nil, false
	}
	var payload json.RawMessage
	for i := range st.history {
		if st.history[i].Timestamp.After(at) {
			break
		}
		payload = st.history[i].Payload
	}
	if payload == nil {
		return nil, false
	}
	return payload, true
}

// Refs returns every known entity ref of the given kind, sorted.
func (s *Store) Refs(kind contracts.EntityKind) []contracts.EntityRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []contracts.EntityRef
	prefix := string(kind) + "/"
	for key, st := range s.entities {
		if st.payload == nil || !strings.HasPrefix(key, prefix) {
			continue
		}
		refs = append(refs, contracts.EntityRef{Kind: kind, ID: key[len(prefix):]})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

// Load unmarshals the current payload of ref into out.
func (s *Store) Load(ref contracts.EntityRef, out any) error {
	payload, _, ok := s.Get(ref)
	if !ok {
		return contracts.NewResourceMissing(fmt.Sprintf("entity %s not found", ref), nil)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return contracts.NewPermanent(fmt.Sprintf("decoding %s", ref), err)
	}
	return nil
}

// GetLab returns the lab record, if present.
func (s *Store) GetLab(labID string) (*contracts.LabRecord, bool) {
	var lab contracts.LabRecord
	if err := s.Load(contracts.EntityRef{Kind: contracts.EntityLab, ID: labID}, &lab); err != nil {
		return nil, false
	}
	return &lab, true
}

// Labs returns every known lab record.
func (s *Store) Labs() []*contracts.LabRecord {
	var labs []*contracts.LabRecord
	for _, ref := range s.Refs(contracts.EntityLab) {
		var lab contracts.LabRecord
		if err := s.Load(ref, &lab); err == nil {
			labs = append(labs, &lab)
		}
	}
	return labs
}

// GetVM returns the VM record stored under platform/vmID.
func (s *Store) GetVM(platform contracts.PlatformID, vmID string) (*contracts.VMRecord, bool) {
	var vm contracts.VMRecord
	ref := contracts.EntityRef{Kind: contracts.EntityVM, ID: fmt.Sprintf("%s/%s", platform, vmID)}
	if err := s.Load(ref, &vm); err != nil {
		return nil, false
	}
	return &vm, true
}

// VMs returns every known VM record.
func (s *Store) VMs() []*contracts.VMRecord {
	var vms []*contracts.VMRecord
	for _, ref := range s.Refs(contracts.EntityVM) {
		var vm contracts.VMRecord
		if err := s.Load(ref, &vm); err == nil {
			vms = append(vms, &vm)
		}
	}
	return vms
}

// Hosts returns every platform host record.
func (s *Store) Hosts() []*contracts.HostRecord {
	var hosts []*contracts.HostRecord
	for _, ref := range s.Refs(contracts.EntityHost) {
		var h contracts.HostRecord
		if err := s.Load(ref, &h); err == nil {
			hosts = append(hosts, &h)
		}
	}
	return hosts
}

// RecordDrift stores a pending drift observation and counts it.
func (s *Store) RecordDrift(d contracts.Drift) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.drifts {
		if s.drifts[i].Entity == d.Entity && s.drifts[i].Field == d.Field &&
			s.drifts[i].Resolution == contracts.DriftPending {
			s.drifts[i].Observed = d.Observed
			s.drifts[i].DetectedAt = d.DetectedAt
			return
		}
	}
	d.Resolution = contracts.DriftPending
	s.drifts = append(s.drifts, d)
	metrics.RecordDrift(string(d.Entity.Kind), d.Field)
}

// PendingDrifts returns unresolved drift records.
func (s *Store) PendingDrifts() []contracts.Drift {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contracts.Drift
	for _, d := range s.drifts {
		if d.Resolution == contracts.DriftPending {
			out = append(out, d)
		}
	}
	return out
}

// ResolveDrift marks all pending drifts of the entity/field pair.
func (s *Store) ResolveDrift(entity contracts.EntityRef, field string, resolution contracts.DriftResolution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.drifts {
		if s.drifts[i].Entity == entity && s.drifts[i].Field == field &&
			s.drifts[i].Resolution == contracts.DriftPending {
			s.drifts[i].Resolution = resolution
		}
	}
}

// Snapshot writes a per-entity snapshot tree next to the event log so
// operators can inspect current state without replaying it.
func (s *Store) Snapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	root := filepath.Join(s.dir, "snapshots")
	for key, st := range s.entities {
		if st.payload == nil {
			continue
		}
		path := filepath.Join(root, strings.ReplaceAll(key, "/", "_")+".json")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating snapshot directory: %w", err)
		}
		if err := os.WriteFile(path, st.payload, 0o644); err != nil {
			return fmt.Errorf("writing snapshot %s: %w", key, err)
		}
	}
	return nil
}

// Close flushes and closes the event log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return nil
	}
	err := s.logFile.Close()
	s.logFile = nil
	return err
}

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

package overseer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/glassdome/glassdome/internal/obs/metrics"
	"github.com/glassdome/glassdome/internal/platform/contracts"
)

const (
	queueFileName        = "overseer_requests.json"
	defaultQueueCapacity = 256
)

// Queue is the bounded, persistent request queue. Every transition is written
// to disk so an Overseer restart rehydrates in-flight work, and Next enforces
// per-target serialization: at most one request executes against a given
// target at a time.
type Queue struct {
	mu       sync.Mutex
	path     string
	capacity int

	requests map[string]*contracts.Request
	// order holds approved request ids in FIFO submission order
	order []string
	// inflight maps target keys to the executing request id
	inflight map[string]string
}

// NewQueue opens the queue persisted under dir, rehydrating prior state.
// Requests caught mid-execution by a crash are returned to APPROVED.
func NewQueue(dir string, capacity int) (*Queue, error) {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, contracts.NewTransient("creating overseer state directory", err)
	}
	q := &Queue{
		path:     filepath.Join(dir, queueFileName),
		capacity: capacity,
		requests: make(map[string]*contracts.Request),
		inflight: make(map[string]string),
	}
	if err := q.rehydrate(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) rehydrate() error {
	raw, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return contracts.NewTransient("reading overseer queue state", err)
	}
	var stored []*contracts.Request
	if err := json.Unmarshal(raw, &stored); err != nil {
		return contracts.NewPermanent("overseer queue state is corrupt", err)
	}

	sort.Slice(stored, func(i, j int) bool { return stored[i].CreatedAt.Before(stored[j].CreatedAt) })
	for _, req := range stored {
		if req.Approval == contracts.ApprovalExecuting {
			req.Approval = contracts.ApprovalApproved
		}
		q.requests[req.RequestID] = req
		if req.Approval == contracts.ApprovalApproved {
			q.order = append(q.order, req.RequestID)
		}
	}
	return nil
}

// persist writes the full request set atomically. Callers hold q.mu.
func (q *Queue) persist() error {
	all := make([]*contracts.Request, 0, len(q.requests))
	for _, req := range q.requests {
		all = append(all, req)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	raw, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return contracts.NewPermanent("encoding overseer queue state", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return contracts.NewTransient("writing overseer queue state", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return contracts.NewTransient("committing overseer queue state", err)
	}
	metrics.SetRequestQueueDepth(len(q.order))
	return nil
}

// Enqueue admits an approved request. A full queue is a transient condition.
func (q *Queue) Enqueue(req *contracts.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) >= q.capacity {
		return contracts.NewTransientWithHint(
			fmt.Sprintf("request queue is full (%d pending)", len(q.order)), nil, 5*time.Second)
	}
	q.requests[req.RequestID] = req
	q.order = append(q.order, req.RequestID)
	return q.persist()
}

// Record stores a request that will never execute, such as a denial, so the
// decision survives restarts.
func (q *Queue) Record(req *contracts.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests[req.RequestID] = req
	return q.persist()
}

// Next pops the oldest approved request whose target is not already being
// worked on, marking it EXECUTING. It returns nil when nothing is runnable.
func (q *Queue) Next() *contracts.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.order {
		req := q.requests[id]
		key := req.Target.String()
		if _, busy := q.inflight[key]; busy {
			continue
		}
		q.order = append(q.order[:i], q.order[i+1:]...)
		req.Approval = contracts.ApprovalExecuting
		q.inflight[key] = id
		_ = q.persist()
		copied := *req
		return &copied
	}
	return nil
}

// Done finishes an executing request, recording the terminal state.
func (q *Queue) Done(requestID string, execErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.requests[requestID]
	if !ok {
		return
	}
	delete(q.inflight, req.Target.String())
	req.CompletedAt = time.Now().UTC()
	if execErr != nil {
		req.Approval = contracts.ApprovalFailed
		req.Error = execErr.Error()
	} else {
		req.Approval = contracts.ApprovalCompleted
	}
	_ = q.persist()
}

// Get returns a copy of the request by id.
func (q *Queue) Get(requestID string) (*contracts.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.requests[requestID]
	if !ok {
		return nil, false
	}
	copied := *req
	return &copied, true
}

// Depth reports how many approved requests await execution.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// All returns copies of every known request in submission order.
func (q *Queue) All() []*contracts.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*contracts.Request, 0, len(q.requests))
	for _, req := range q.requests {
		copied := *req
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

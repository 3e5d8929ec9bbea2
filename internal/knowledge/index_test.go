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

package knowledge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeDoc(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func testIndex(t *testing.T) *Index {
	t.Helper()
	dir := t.TempDir()
	writeDoc(t, dir, "runbooks/guest-agent.md", `# Guest agent troubleshooting

When a VM reports RUNNING but no primary IP appears within the discovery
window, the qemu-guest-agent package is usually missing from the template.
Install it with the common/install_guest_agent.yml playbook and restart.

Unrelated paragraph about datastore capacity planning and storage overcommit
ratios on the hypervisor cluster.`)
	writeDoc(t, dir, "runbooks/ip-pools.md", `# IP pool exhaustion

When the static pool for a subnet runs dry the allocator falls back to the
last usable host address and keeps descending. Widen the configured range
when fallback addresses start appearing in lab deployments.`)
	writeDoc(t, dir, "notes.bin", "binary noise that must not be indexed")

	idx, err := Load(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	return idx
}

func TestQueryRanksRelevantPassageFirst(t *testing.T) {
	idx := testIndex(t)
	require.Greater(t, idx.Size(), 2)

	results := idx.Query("vm running but no primary ip guest agent missing", 3)
	require.NotEmpty(t, results)
	assert.Equal(t, "runbooks/guest-agent.md", results[0].Source)
	assert.Contains(t, results[0].Text, "qemu-guest-agent")

	results = idx.Query("ip pool exhausted fallback address", 3)
	require.NotEmpty(t, results)
	assert.Equal(t, "runbooks/ip-pools.md", results[0].Source)
}

func TestQueryNoMatch(t *testing.T) {
	idx := testIndex(t)
	assert.Empty(t, idx.Query("zzzunknownterm", 5))
	assert.Empty(t, idx.Query("", 5))
}

func TestQueryLimit(t *testing.T) {
	idx := testIndex(t)
	results := idx.Query("the vm lab address template pool", 1)
	assert.LessOrEqual(t, len(results), 1)
}

func TestLoadMissingPathStartsEmpty(t *testing.T) {
	idx, err := Load(filepath.Join(t.TempDir(), "absent"), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Zero(t, idx.Size())
	assert.Empty(t, idx.Query("anything", 5))
}

package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergio/convergio/pkg/config"
)

func defDoc(id, tier, category string, deps []string) string {
	doc := fmt.Sprintf(`---
agent_id: %s
name: %s
role: Test Agent
tier: %s
category: %s
capabilities: [financial analysis]
`, id, id, tier, category)
	if len(deps) > 0 {
		doc += "dependencies:\n"
		for _, d := range deps {
			doc += "  - " + d + "\n"
		}
	}
	doc += `---
You are a test agent used to exercise the registry scan, validation,
and snapshot swap behavior in unit tests.
`
	return doc
}

func writeDef(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newTestRegistry(t *testing.T, dir string) *Registry {
	t.Helper()
	return New(&config.RegistryConfig{
		DefinitionsDir: dir,
		DebounceMS:     1000,
		KnownTools:     []string{"web_search"},
	})
}

func TestScanAndLoad(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "ali.md", defDoc("ali", "executive", "leadership", nil))
	writeDef(t, dir, "amy.md", defDoc("amy", "director", "finance", nil))
	writeDef(t, dir, "broken.md", "not a definition")

	reg := newTestRegistry(t, dir)
	count, err := reg.ScanAndLoad()
	require.NoError(t, err)
	assert.Equal(t, 2, count) // broken.md logged and skipped

	inst, err := reg.Get("ali")
	require.NoError(t, err)
	assert.Equal(t, "ali", inst.Def.ID)

	_, err = reg.Get("nobody")
	require.Error(t, err)
	var unknown *UnknownAgentError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nobody", unknown.ID)
}

func TestScanAndLoadEmptyDirectory(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	_, err := reg.ScanAndLoad()
	require.ErrorIs(t, err, ErrEmptyRegistry)
}

func TestScanAndLoadSkipsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "a.md", defDoc("ali", "executive", "leadership", nil))
	writeDef(t, dir, "b.md", defDoc("ali", "executive", "leadership", nil))

	reg := newTestRegistry(t, dir)
	count, err := reg.ScanAndLoad()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUnresolvedDependencyIsLoadPending(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "a.md", defDoc("ali", "executive", "leadership", []string{"ghost"}))

	reg := newTestRegistry(t, dir)
	_, err := reg.ScanAndLoad()
	require.NoError(t, err)

	def, err := reg.GetDefinition("ali")
	require.NoError(t, err)
	assert.True(t, def.LoadPending)
}

func TestListFilters(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "ali.md", defDoc("ali", "executive", "leadership", nil))
	writeDef(t, dir, "amy.md", defDoc("amy", "director", "finance", nil))
	writeDef(t, dir, "bob.md", defDoc("bob", "specialist", "finance", nil))

	reg := newTestRegistry(t, dir)
	_, err := reg.ScanAndLoad()
	require.NoError(t, err)

	all := reg.List(Filter{})
	require.Len(t, all, 3)
	// Sorted by id.
	assert.Equal(t, "ali", all[0].ID)

	finance := reg.List(Filter{Category: "finance"})
	require.Len(t, finance, 2)

	execs := reg.List(Filter{Tier: TierExecutive})
	require.Len(t, execs, 1)
	assert.Equal(t, "ali", execs[0].ID)
}

func TestReloadIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "ali.md", defDoc("ali", "executive", "leadership", nil))

	reg := newTestRegistry(t, dir)
	_, err := reg.ScanAndLoad()
	require.NoError(t, err)
	first := reg.ContentHashes()

	_, err = reg.ScanAndLoad()
	require.NoError(t, err)
	assert.Equal(t, first, reg.ContentHashes())
}

func TestSwapKeepsUnchangedInstancesAndDrainsChanged(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "ali.md", defDoc("ali", "executive", "leadership", nil))
	writeDef(t, dir, "amy.md", defDoc("amy", "director", "finance", nil))

	reg := newTestRegistry(t, dir)
	_, err := reg.ScanAndLoad()
	require.NoError(t, err)

	aliBefore, err := reg.Get("ali")
	require.NoError(t, err)
	amyBefore, err := reg.Get("amy")
	require.NoError(t, err)
	amyBefore.Acquire() // simulate an in-flight turn

	// Change amy only.
	writeDef(t, dir, "amy.md", defDoc("amy", "manager", "finance", nil))
	_, err = reg.ScanAndLoad()
	require.NoError(t, err)

	aliAfter, err := reg.Get("ali")
	require.NoError(t, err)
	assert.Same(t, aliBefore, aliAfter, "unchanged definition keeps its instance")

	amyAfter, err := reg.Get("amy")
	require.NoError(t, err)
	assert.NotSame(t, amyBefore, amyAfter, "changed definition gets a fresh instance")
	assert.True(t, amyBefore.retired.Load())
	assert.EqualValues(t, 1, amyBefore.InFlight())
	amyBefore.Release()
	assert.EqualValues(t, 0, amyBefore.InFlight())
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "ali.md", defDoc("ali", "executive", "leadership", nil))

	reg := newTestRegistry(t, dir)
	_, err := reg.ScanAndLoad()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := reg.Watch(ctx)
	require.NoError(t, err)

	writeDef(t, dir, "amy.md", defDoc("amy", "director", "finance", nil))

	select {
	case ev := <-events:
		assert.Equal(t, "reload", ev.Kind)
		assert.Equal(t, 2, ev.Agents)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload event")
	}
	assert.Equal(t, 2, reg.Len())
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleProfile(name string) WorkloadProfile {
	return WorkloadProfile{
		Name:                name,
		TaskType:            "sleep",
		MaxConcurrency:      20,
		StartingConcurrency: 5,
		Duration:            30 * time.Second,
		Ramp:                RampSpec{Type: "linear", Start: 5, Max: 20, Ramp: 10 * time.Second},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := sampleProfile("smoke")
	require.NoError(t, SaveProfile(dir, p))

	loaded, err := LoadProfile(dir, "smoke")
	require.NoError(t, err)
	assert.Equal(t, p.TaskType, loaded.TaskType)
	assert.Equal(t, p.MaxConcurrency, loaded.MaxConcurrency)
	assert.Equal(t, p.Ramp, loaded.Ramp)
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "nope")
	assert.Error(t, err)
}

func TestTestConfigBuildsRunnableConfig(t *testing.T) {
	p := sampleProfile("smoke")
	cfg, err := p.TestConfig("ignored")
	require.NoError(t, err)
	assert.Equal(t, "sleep", cfg.TaskType)
	assert.Equal(t, "ignored", cfg.TaskParam)
	require.NotNil(t, cfg.RampStrategy)
	assert.Equal(t, 20, cfg.RampStrategy.MaxConcurrency())
}

func TestTestConfigRejectsUnknownRampType(t *testing.T) {
	p := sampleProfile("smoke")
	p.Ramp.Type = "exponential"
	_, err := p.TestConfig("x")
	assert.Error(t, err)
}

func TestListProfilesIgnoresNonYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveProfile(dir, sampleProfile("a")))
	require.NoError(t, SaveProfile(dir, sampleProfile("b")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644))

	names, err := ListProfiles(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestListProfilesMissingDirIsEmpty(t *testing.T) {
	names, err := ListProfiles(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStoreLoadsExistingProfilesOnOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveProfile(dir, sampleProfile("a")))

	store, err := NewStore(dir)
	require.NoError(t, err)
	_, ok := store.Get("a")
	assert.True(t, ok)
}

func TestStorePutGetDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	store.Put(sampleProfile("x"))
	p, ok := store.Get("x")
	require.True(t, ok)
	assert.Equal(t, "x", p.Name)

	store.Delete("x")
	_, ok = store.Get("x")
	assert.False(t, ok)
}

func TestProfileWatcherReportsWriteAndRemove(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	w, err := NewProfileWatcher(dir, store)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, errs := w.Watch(ctx)

	require.NoError(t, SaveProfile(dir, sampleProfile("live")))

	select {
	case c := <-changes:
		assert.Equal(t, "live", c.Name)
		assert.False(t, c.Removed)
	case err := <-errs:
		t.Fatalf("unexpected watcher error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no create event observed")
	}

	_, ok := store.Get("live")
	assert.True(t, ok)

	require.NoError(t, os.Remove(filepath.Join(dir, "live.yaml")))

	select {
	case c := <-changes:
		assert.Equal(t, "live", c.Name)
		assert.True(t, c.Removed)
	case err := <-errs:
		t.Fatalf("unexpected watcher error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no remove event observed")
	}

	_, ok = store.Get("live")
	assert.False(t, ok)
}

func TestProfileWatcherSecondWatchIsNoop(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	w, err := NewProfileWatcher(dir, store)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, _ = w.Watch(ctx)

	changes, errs := w.Watch(ctx)
	_, openChanges := <-changes
	_, openErrs := <-errs
	assert.False(t, openChanges)
	assert.False(t, openErrs)
}

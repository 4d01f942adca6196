package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, workDir string, ruleNames ...string) {
	t.Helper()
	text := "directory: " + workDir + "\nrules:\n"
	for _, name := range ruleNames {
		text += "  - name: " + name + "\n" +
			"    schedule: '* * * * *'\n" +
			"    source: !http-files {url: 'http://h/" + name + "', target_dir: /tmp}\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
}

func TestNewLoadsInitialRules(t *testing.T) {
	work := t.TempDir()
	path := filepath.Join(work, "fetchd.yaml")
	writeConfig(t, path, work, "a", "b")

	d, err := New(Options{ConfigPath: path}, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, d.sched.Rules(), 2)
	assert.DirExists(t, filepath.Join(work, "locks"))
}

func TestNewRejectsBrokenConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fetchd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: [\n"), 0o644))

	_, err := New(Options{ConfigPath: path}, zerolog.Nop())
	assert.Error(t, err)
}

func TestReloadSwapsRules(t *testing.T) {
	work := t.TempDir()
	path := filepath.Join(work, "fetchd.yaml")
	writeConfig(t, path, work, "a")

	d, err := New(Options{ConfigPath: path}, zerolog.Nop())
	require.NoError(t, err)

	writeConfig(t, path, work, "a", "b", "c")
	d.Reload("test")
	assert.Len(t, d.sched.Rules(), 3)
}

func TestFailedReloadKeepsPreviousRules(t *testing.T) {
	work := t.TempDir()
	path := filepath.Join(work, "fetchd.yaml")
	writeConfig(t, path, work, "a", "b")

	d, err := New(Options{ConfigPath: path}, zerolog.Nop())
	require.NoError(t, err)
	before := d.sched.Rules()

	// Malformed YAML must not disturb the running rule set.
	require.NoError(t, os.WriteFile(path, []byte("rules: [broken\n"), 0o644))
	d.Reload("test")
	assert.Equal(t, before, d.sched.Rules())

	// Valid YAML with an invalid rule must not either.
	require.NoError(t, os.WriteFile(path, []byte(
		"directory: "+work+"\nrules:\n  - name: x\n    schedule: 'not cron'\n    source: !http-files {url: 'http://h/x', target_dir: /t}\n"), 0o644))
	d.Reload("test")
	assert.Equal(t, before, d.sched.Rules())
}

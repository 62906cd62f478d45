package kernelspec

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CelVoxes/Axon-sub004/internal/pyenv"
)

var nameRe = regexp.MustCompile(`^axon-[a-z0-9_-]+-[0-9a-f]{8}$`)

func TestName(t *testing.T) {
	a := Name("/home/me/Projects/My Analysis!")
	assert.Regexp(t, nameRe, a)
	assert.Contains(t, a, "my-analysis")
	assert.Equal(t, a, Name("/home/me/Projects/My Analysis!"), "stable across calls")

	b := Name("/other/Projects/My Analysis!")
	assert.NotEqual(t, a, b, "same tail, different path")

	long := Name("/x/" + "averyveryveryverylongdirectorynamethatkeepsgoing")
	assert.Regexp(t, nameRe, long)
	assert.LessOrEqual(t, len(long), len("axon-")+32+9)

	assert.Regexp(t, `^axon-workspace-[0-9a-f]{8}$`, Name("/"))
}

func testEnv(t *testing.T) *pyenv.Environment {
	t.Helper()
	env := pyenv.LayoutFor("linux", filepath.Join(t.TempDir(), "venv"), nil)
	return &env
}

func TestEnsure_WritesDescriptor(t *testing.T) {
	env := testEnv(t)
	s := NewStore()

	name, wrote, err := s.Ensure("/ws/project", env)
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, Name("/ws/project"), name)

	d, err := Read(Path(env, name))
	require.NoError(t, err)
	assert.Equal(t, []string{env.Interpreter, "-m", "ipykernel_launcher", "-f", "{connection_file}"}, d.Argv)
	assert.Equal(t, "python", d.Language)
	assert.Equal(t, "/ws/project", d.Owner())

	_, wrote, err = s.Ensure("/ws/project", env)
	require.NoError(t, err)
	assert.False(t, wrote, "up-to-date descriptor is left alone")
}

func TestEnsure_RewritesStaleInterpreter(t *testing.T) {
	env := testEnv(t)
	s := NewStore()
	name := Name("/ws/project")

	stale := descriptorFor("/ws/project", &pyenv.Environment{Interpreter: "/old/bin/python"})
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(Path(env, name)), 0755))
	require.NoError(t, os.WriteFile(Path(env, name), data, 0644))

	_, wrote, err := s.Ensure("/ws/project", env)
	require.NoError(t, err)
	assert.True(t, wrote)

	d, err := Read(Path(env, name))
	require.NoError(t, err)
	assert.Equal(t, env.Interpreter, d.Argv[0])
}

func TestEnsure_RewritesCorruptDescriptor(t *testing.T) {
	env := testEnv(t)
	name := Name("/ws/project")
	require.NoError(t, os.MkdirAll(filepath.Dir(Path(env, name)), 0755))
	require.NoError(t, os.WriteFile(Path(env, name), []byte("{not json"), 0644))

	_, wrote, err := NewStore().Ensure("/ws/project", env)
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestRemoveOrphans(t *testing.T) {
	env := testEnv(t)
	s := NewStore()

	write := func(dir, owner string) {
		d := descriptorFor(owner, env)
		data, err := json.Marshal(d)
		require.NoError(t, err)
		path := Path(env, dir)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, data, 0644))
	}

	_, _, err := s.Ensure("/ws/project", env)
	require.NoError(t, err)
	write("axon-project-old", "/ws/project")
	write("axon-other-12345678", "/ws/other")
	write("python3", "/ws/project")

	removed, err := s.RemoveOrphans("/ws/project", env)
	require.NoError(t, err)
	assert.Equal(t, []string{"axon-project-old"}, removed)

	assert.FileExists(t, Path(env, Name("/ws/project")))
	assert.FileExists(t, Path(env, "axon-other-12345678"))
	assert.FileExists(t, Path(env, "python3"))
	assert.NoDirExists(t, filepath.Join(KernelsDir(env), "axon-project-old"))
}

func TestRemoveOrphans_NoKernelsDir(t *testing.T) {
	removed, err := NewStore().RemoveOrphans("/ws", testEnv(t))
	require.NoError(t, err)
	assert.Empty(t, removed)
}

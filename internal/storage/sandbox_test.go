package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb, err := NewSandbox(t.TempDir())
	require.NoError(t, err)
	return sb
}

func TestNewSandbox(t *testing.T) {
	sandboxDir := filepath.Join(t.TempDir(), "capture")

	sb, err := NewSandbox(sandboxDir)
	require.NoError(t, err)
	require.NotNil(t, sb)

	info, err := os.Stat(sandboxDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, filepath.IsAbs(sb.BaseDir()))
}

func TestSandbox_ResolvePath(t *testing.T) {
	sb := setupTestSandbox(t)

	tests := []struct {
		name        string
		path        string
		shouldError bool
	}{
		{"simple file", "video-001.mp4", false},
		{"nested path", "session/video-001.mp4", false},
		{"current dir", ".", false},
		{"dot prefix", "./video-001.mp4", false},
		{"inner dotdot", "a/../video-001.mp4", false},
		{"escape parent", "../escape.mp4", true},
		{"escape nested", "a/../../escape.mp4", true},
		{"absolute", "/etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := sb.ResolvePath(tt.path)
			if tt.shouldError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(path))
			rel, err := filepath.Rel(sb.BaseDir(), path)
			require.NoError(t, err)
			assert.NotContains(t, rel, "..")
		})
	}
}

func TestSandbox_Create(t *testing.T) {
	sb := setupTestSandbox(t)

	f, err := sb.Create("session/audio-001.mp4")
	require.NoError(t, err)
	_, err = f.Write([]byte("first"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Create truncates an existing file.
	f, err = sb.Create("session/audio-001.mp4")
	require.NoError(t, err)
	_, err = f.Write([]byte("2nd"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := sb.ReadFile("session/audio-001.mp4")
	require.NoError(t, err)
	assert.Equal(t, "2nd", string(data))

	_, err = sb.Create("../outside.mp4")
	assert.Error(t, err)
}

func TestSandbox_AtomicWrite(t *testing.T) {
	sb := setupTestSandbox(t)

	require.NoError(t, sb.AtomicWrite("capture.json", []byte(`{"v":1}`)))
	require.NoError(t, sb.AtomicWrite("capture.json", []byte(`{"v":2}`)))

	data, err := sb.ReadFile("capture.json")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))

	names, err := sb.List(".")
	require.NoError(t, err)
	assert.Equal(t, []string{"capture.json"}, names)

	assert.Error(t, sb.AtomicWrite("../capture.json", nil))
}

func TestSandbox_List(t *testing.T) {
	sb := setupTestSandbox(t)

	for _, name := range []string{"video-001.mp4", "video-002.mp4", ".video-003.mp4.abcd1234.tmp"} {
		f, err := sb.Create(name)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	require.NoError(t, os.Mkdir(filepath.Join(sb.BaseDir(), "nested"), 0o750))

	names, err := sb.List(".")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"video-001.mp4", "video-002.mp4"}, names)

	_, err = sb.List("missing")
	assert.Error(t, err)
}

func TestRandomHex(t *testing.T) {
	a := randomHex(8)
	b := randomHex(8)
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}

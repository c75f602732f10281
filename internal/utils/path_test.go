package utils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{
			name:      "empty path",
			input:     "",
			wantError: true,
		},
		{
			name:      "relative path",
			input:     "./test",
			wantError: false,
		},
		{
			name:      "absolute path",
			input:     "/tmp/test",
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ResolvePath(tt.input)
			if (err != nil) != tt.wantError {
				t.Errorf("ResolvePath(%q) error = %v, wantError %v", tt.input, err, tt.wantError)
			}
			if !tt.wantError && result == "" {
				t.Errorf("ResolvePath(%q) returned empty string", tt.input)
			}
		})
	}
}

func TestIsSubPath(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")

	assert.True(t, IsSubPath(root, root))
	assert.True(t, IsSubPath(root, filepath.Join(root, "src", "a.go")))
	assert.False(t, IsSubPath(root, root+"-other"))
	assert.False(t, IsSubPath(root, filepath.Dir(root)))
}

func TestRelPath(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")

	rel, err := RelPath(root, filepath.Join(root, "src", "a.go"))
	require.NoError(t, err)
	assert.Equal(t, "src/a.go", rel)

	_, err = RelPath(root, filepath.Join(root, "..", "x"))
	assert.ErrorIs(t, err, ErrPathOutsideRoot)
}

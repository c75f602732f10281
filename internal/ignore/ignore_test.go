package ignore

import (
	"testing"

	"github.com/openmined/blobsync/internal/pathindex"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_DefaultRules(t *testing.T) {
	f, err := New(afero.NewMemMapFs(), nil, nil)
	require.NoError(t, err)
	f.Load()

	assert.True(t, f.PathInfo("src/main.go", pathindex.FileTypeFile).Accepted)
	assert.False(t, f.PathInfo("debug.log", pathindex.FileTypeFile).Accepted)
	assert.False(t, f.PathInfo("web/node_modules/react/index.js", pathindex.FileTypeFile).Accepted)
	assert.False(t, f.PathInfo(".git", pathindex.FileTypeDirectory).Accepted)
	assert.False(t, f.PathInfo("node_modules", pathindex.FileTypeDirectory).Accepted)

	other := f.PathInfo("pipe", pathindex.FileTypeOther)
	assert.False(t, other.Accepted)
	assert.Equal(t, "not a regular file", other.Reason)
}

func TestFilter_IgnoreFilesAndExcludes(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, ".gitignore", []byte("# comment\n*.gen.ts\nsecrets/\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, ".blobsyncignore", []byte("docs/**\n"), 0o644))

	f, err := New(fs, []string{"**/*_test.go"}, nil)
	require.NoError(t, err)

	assert.True(t, f.PathInfo("api.gen.ts", pathindex.FileTypeFile).Accepted, "rules apply after Load")
	f.Load()

	acc := f.PathInfo("api.gen.ts", pathindex.FileTypeFile)
	assert.False(t, acc.Accepted)
	assert.Equal(t, "ignored by .gitignore", acc.Reason)

	assert.False(t, f.PathInfo("secrets/key.txt", pathindex.FileTypeFile).Accepted)
	assert.Equal(t, "ignored by .blobsyncignore", f.PathInfo("docs/a/b.md", pathindex.FileTypeFile).Reason)
	assert.Equal(t, "excluded by **/*_test.go", f.PathInfo("pkg/x/y_test.go", pathindex.FileTypeFile).Reason)
	assert.True(t, f.PathInfo("pkg/x/y.go", pathindex.FileTypeFile).Accepted)

	assert.True(t, f.IsIgnoreFile(".gitignore"))
	assert.False(t, f.IsIgnoreFile("sub/.gitignore"))
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(afero.NewMemMapFs(), []string{"[unclosed"}, nil)
	assert.Error(t, err)
}

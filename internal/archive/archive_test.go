package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressAndExtract(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "css"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.html"), []byte("<p>hi</p>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "css", "site.css"), []byte("p{}"), 0o644))

	zipPath, err := Zipper{TempDir: t.TempDir()}.CompressDirectory(src, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(zipPath), "temp_web_package_"))

	zr, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	zr.Close()
	assert.ElementsMatch(t, []string{"css/", "css/site.css", "index.html"}, names)

	dest := t.TempDir()
	require.NoError(t, Extract(zipPath, dest))
	b, err := os.ReadFile(filepath.Join(dest, "css", "site.css"))
	require.NoError(t, err)
	assert.Equal(t, "p{}", string(b))
}

func TestCompressMissingSource(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.zip")
	_, err := CompressDirectory(filepath.Join(t.TempDir(), "missing"), dest)
	require.Error(t, err)
	assert.NoFileExists(t, dest)
}

func TestExtractRejectsTraversal(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	err = Extract(zipPath, t.TempDir())
	require.ErrorContains(t, err, "illegal path")
}

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/barnettlynn/mrtdtools/pkg/passport"
)

func TestWriteJSON(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "out", "result.json")
	res := &passport.Result{Name: "ERIKSSON ANNA MARIA", DocumentType: 3, Gender: "FEMALE"}
	require.NoError(writeJSON(path, res))

	b, err := os.ReadFile(path)
	require.NoError(err)
	var got passport.Result
	require.NoError(json.Unmarshal(b, &got))
	require.Equal(*res, got)
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("runtime: {}\n"), 0o644))

	require.True(t, fileExists(file))
	require.False(t, fileExists(dir))
	require.False(t, fileExists(filepath.Join(dir, "missing")))
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbit/nbdexport/internal/config"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadServerDocument(t *testing.T) {
	path := writeTemp(t, `
[server]
address = "0.0.0.0"
port = 10809
max_errors = 5

[objectimage]
bucket = "my-bucket"
cache_dir = "/var/cache/nbdexport"
`)

	doc, err := config.LoadServerDocument(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", doc.Server.Address)
	assert.Equal(t, 10809, doc.Server.Port)
	assert.Equal(t, 5, doc.Server.MaxErrors)

	require.Contains(t, doc.Backends, "objectimage")
	assert.Equal(t, "my-bucket", doc.Backends["objectimage"]["bucket"])
}

func TestLoadServerDocument_DefaultMaxErrors(t *testing.T) {
	path := writeTemp(t, `
[server]
address = "0.0.0.0"
port = 10809
`)

	doc, err := config.LoadServerDocument(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultMaxErrors, doc.Server.MaxErrors)
}

func TestLoadClientDocument(t *testing.T) {
	path := writeTemp(t, `
[nbd]
file = "/dev/nbd0"
blocksize = 4096
timeout = 30

[server]
address = "remote.example.com"
port = 10809

[backend]
name = "objectimage"
bucket = "my-bucket"
object = "disk.img"
`)

	doc, err := config.LoadClientDocument(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/nbd0", doc.NBD.File)
	assert.EqualValues(t, 4096, doc.NBD.BlockSize)
	assert.EqualValues(t, 30, doc.NBD.Timeout)

	assert.Equal(t, "remote.example.com", doc.Server.Address)
	assert.Equal(t, 10809, doc.Server.Port)

	assert.Equal(t, "objectimage", doc.Backend.Name)
	assert.Equal(t, "my-bucket", doc.Backend.Options["bucket"])
	assert.Equal(t, "disk.img", doc.Backend.Options["object"])
}

func TestLoadClientDocument_MissingBackendName(t *testing.T) {
	path := writeTemp(t, `
[nbd]
file = "/dev/nbd0"
blocksize = 4096

[server]
address = "remote.example.com"
port = 10809

[backend]
bucket = "my-bucket"
`)

	_, err := config.LoadClientDocument(path)
	assert.Error(t, err)
}

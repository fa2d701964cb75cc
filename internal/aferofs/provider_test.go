package aferofs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breadfs/breadfs/internal/storage"
)

func TestMemory_WriteReadStat(t *testing.T) {
	ctx := context.Background()
	p := NewMemory(nil)

	var last storage.Progress

	require.NoError(t, p.WriteFile(ctx, "/hello.txt", []byte("hello"), storage.WriteFileOptions{}))

	data, err := p.ReadFile(ctx, "hello.txt", storage.ReadFileOptions{
		OnProgress: func(pr storage.Progress) { last = pr },
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, storage.Progress{Src: "/hello.txt", Current: 5, Total: 5}, last)

	st, err := p.Stat(ctx, "/hello.txt")
	require.NoError(t, err)
	assert.True(t, st.IsFile())
	assert.EqualValues(t, 5, st.Size)
	assert.Equal(t, "/hello.txt", st.Path)

	root, err := p.Stat(ctx, "/")
	require.NoError(t, err)
	assert.True(t, root.IsDir())
	assert.False(t, root.HasSize())

	_, err = p.Stat(ctx, "/missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, p.Exists(ctx, "/missing"))
}

func TestMemory_WriteChecks(t *testing.T) {
	ctx := context.Background()
	p := NewMemory(nil)

	err := p.WriteFile(ctx, "/nope/a.txt", []byte("x"), storage.WriteFileOptions{})
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, p.Mkdir(ctx, "/dir", storage.MkdirOptions{}))

	err = p.WriteFile(ctx, "/dir", []byte("x"), storage.WriteFileOptions{})
	require.ErrorIs(t, err, storage.ErrIsDirectory)

	_, err = p.ReadFile(ctx, "/dir", storage.ReadFileOptions{})
	require.ErrorIs(t, err, storage.ErrIsDirectory)
}

func TestMemory_Mkdir(t *testing.T) {
	ctx := context.Background()
	p := NewMemory(nil)

	err := p.Mkdir(ctx, "/a/b", storage.MkdirOptions{})
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, p.Mkdir(ctx, "/a/b", storage.MkdirOptions{Recursive: true}))
	require.NoError(t, p.Mkdir(ctx, "/a/b", storage.MkdirOptions{Recursive: true}))

	err = p.Mkdir(ctx, "/a/b", storage.MkdirOptions{})
	require.ErrorIs(t, err, storage.ErrAlreadyExists)

	require.NoError(t, p.WriteFile(ctx, "/a/file", nil, storage.WriteFileOptions{}))

	err = p.Mkdir(ctx, "/a/file/c", storage.MkdirOptions{Recursive: true})
	require.ErrorIs(t, err, storage.ErrNotDirectory)

	err = p.Mkdir(ctx, "/a/file", storage.MkdirOptions{})
	require.ErrorIs(t, err, storage.ErrNotDirectory)
}

func TestMemory_Remove(t *testing.T) {
	ctx := context.Background()
	p := NewMemory(nil)

	require.NoError(t, p.Mkdir(ctx, "/d/e", storage.MkdirOptions{Recursive: true}))

	require.NoError(t, p.Remove(ctx, "/missing", storage.RemoveOptions{}))

	err := p.Remove(ctx, "/missing", storage.RemoveOptions{Strict: true})
	require.ErrorIs(t, err, storage.ErrNotFound)

	err = p.Remove(ctx, "/d", storage.RemoveOptions{NonRecursive: true})
	require.ErrorIs(t, err, storage.ErrNotEmpty)

	require.NoError(t, p.Remove(ctx, "/d/e", storage.RemoveOptions{NonRecursive: true}))
	require.NoError(t, p.Remove(ctx, "/d", storage.RemoveOptions{}))
	assert.False(t, p.Exists(ctx, "/d"))
}

func TestMemory_ListStatPreOrder(t *testing.T) {
	ctx := context.Background()
	p := NewMemory(nil)

	require.NoError(t, p.Mkdir(ctx, "/a/sub", storage.MkdirOptions{Recursive: true}))
	require.NoError(t, p.WriteFile(ctx, "/a/sub/x.txt", []byte("x"), storage.WriteFileOptions{}))
	require.NoError(t, p.WriteFile(ctx, "/b.txt", []byte("b"), storage.WriteFileOptions{}))

	flat, err := p.List(ctx, "/", storage.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b.txt"}, flat)

	deep, err := p.List(ctx, "/", storage.ListOptions{Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/a/sub", "/a/sub/x.txt", "/b.txt"}, deep)

	_, err = p.List(ctx, "/b.txt", storage.ListOptions{})
	require.ErrorIs(t, err, storage.ErrNotDirectory)
}

func TestMemory_Move(t *testing.T) {
	ctx := context.Background()
	p := NewMemory(nil)

	require.NoError(t, p.WriteFile(ctx, "/src.txt", []byte("src"), storage.WriteFileOptions{}))
	require.NoError(t, p.WriteFile(ctx, "/dst.txt", []byte("dst"), storage.WriteFileOptions{}))

	err := p.Move(ctx, "/src.txt", "/dst.txt", false)
	require.ErrorIs(t, err, storage.ErrAlreadyExists)

	require.NoError(t, p.Move(ctx, "/src.txt", "/dst.txt", true))
	assert.False(t, p.Exists(ctx, "/src.txt"))

	data, err := p.ReadFile(ctx, "/dst.txt", storage.ReadFileOptions{})
	require.NoError(t, err)
	assert.Equal(t, "src", string(data))

	err = p.Move(ctx, "/dst.txt", "/no/such/dir.txt", false)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemory_OpenWriterContentLength(t *testing.T) {
	ctx := context.Background()
	p := NewMemory(nil)

	w, err := p.OpenWriter(ctx, "/ok.txt", storage.WriteStreamOptions{ContentLength: 3})
	require.NoError(t, err)
	_, err = io.WriteString(w, "abc")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = p.OpenWriter(ctx, "/short.txt", storage.WriteStreamOptions{ContentLength: 10})
	require.NoError(t, err)
	_, err = io.WriteString(w, "abc")
	require.NoError(t, err)
	require.ErrorIs(t, w.Close(), storage.ErrSizeMismatch)

	r, err := p.OpenReader(ctx, "/ok.txt")
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestLocal_RootedBeneathRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	p, err := NewLocal(root, nil)
	require.NoError(t, err)
	assert.Equal(t, NameLocal, p.Name())

	require.NoError(t, p.Mkdir(ctx, "/docs", storage.MkdirOptions{}))
	require.NoError(t, p.WriteFile(ctx, "/docs/a.txt", []byte("on disk"), storage.WriteFileOptions{}))

	data, err := os.ReadFile(filepath.Join(root, "docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "on disk", string(data))
}

func TestNewLocal_RootErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewLocal(filepath.Join(dir, "missing"), nil)
	require.ErrorIs(t, err, storage.ErrNotFound)

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err = NewLocal(file, nil)
	require.ErrorIs(t, err, storage.ErrNotDirectory)
}

func TestCapabilities(t *testing.T) {
	caps := NewMemory(nil).Capabilities()

	assert.Nil(t, caps.Copy)
	assert.NotNil(t, caps.Move)
	assert.NotNil(t, caps.ListStat)
	assert.Nil(t, caps.Text)
}

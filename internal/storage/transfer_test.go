package storage_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breadfs/breadfs/internal/aferofs"
	"github.com/breadfs/breadfs/internal/storage"
)

// bareProvider hides every optional capability of the wrapped provider, or
// replaces them with caps.
type bareProvider struct {
	storage.Provider
	caps storage.Capabilities
}

func (b bareProvider) Capabilities() storage.Capabilities { return b.caps }

// countingCopier is a native copy that records how often it was used.
type countingCopier struct {
	p     storage.Provider
	calls int
}

func (c *countingCopier) Copy(ctx context.Context, src, dst string, _ bool) error {
	c.calls++

	data, err := c.p.ReadFile(ctx, src, storage.ReadFileOptions{})
	if err != nil {
		return err
	}

	return c.p.WriteFile(ctx, dst, data, storage.WriteFileOptions{})
}

func newMemFS(t *testing.T) *storage.FS {
	t.Helper()

	return storage.New(bareProvider{Provider: aferofs.NewMemory(nil)}, storage.Options{})
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)

	return b
}

func TestWriteFile_StatReportsSize(t *testing.T) {
	ctx := context.Background()
	fsys := newMemFS(t)

	for _, size := range []int{0, 1, 4096} {
		p := fsys.Path("/f.bin")
		require.NoError(t, p.WriteFile(ctx, randomBytes(t, size), storage.WriteFileOptions{}))

		st, err := p.Stat(ctx)
		require.NoError(t, err)
		assert.True(t, st.IsFile())
		assert.Equal(t, int64(size), st.Size)
	}
}

func TestRemove_ForceTwiceSucceeds(t *testing.T) {
	ctx := context.Background()
	p := newMemFS(t).Path("/gone.txt")

	require.NoError(t, p.WriteFile(ctx, []byte("x"), storage.WriteFileOptions{}))
	require.NoError(t, p.Remove(ctx, storage.RemoveOptions{}))
	require.NoError(t, p.Remove(ctx, storage.RemoveOptions{}))

	err := p.Remove(ctx, storage.RemoveOptions{Strict: true})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNestedMkdir_ListRecursive(t *testing.T) {
	ctx := context.Background()
	fsys := newMemFS(t)

	require.NoError(t, fsys.Path("/a/b").Mkdir(ctx, storage.MkdirOptions{Recursive: true}))
	require.NoError(t, fsys.Path("/a/b/c.txt").WriteFile(ctx, []byte("hi"), storage.WriteFileOptions{}))

	children, err := fsys.Path("/a").List(ctx, storage.ListOptions{Recursive: true})
	require.NoError(t, err)

	var names []string
	for _, c := range children {
		names = append(names, c.String())
	}

	assert.Equal(t, []string{"/a/b", "/a/b/c.txt"}, names)
}

func TestListStat_FallsBackToStatPerChild(t *testing.T) {
	ctx := context.Background()
	fsys := newMemFS(t)

	require.NoError(t, fsys.Path("/d/x.txt").Dir().Mkdir(ctx, storage.MkdirOptions{Recursive: true}))
	require.NoError(t, fsys.Path("/d/x.txt").WriteFile(ctx, []byte("12345"), storage.WriteFileOptions{}))
	require.NoError(t, fsys.Path("/d/sub").Mkdir(ctx, storage.MkdirOptions{}))

	stats, err := fsys.Path("/d").ListStat(ctx, storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "/d/sub", stats[0].Path)
	assert.True(t, stats[0].IsDir())
	assert.Equal(t, "/d/x.txt", stats[1].Path)
	assert.Equal(t, int64(5), stats[1].Size)
}

func TestCopy_CrossBackendOverwrite(t *testing.T) {
	ctx := context.Background()
	a := newMemFS(t)
	b := newMemFS(t)

	payload := randomBytes(t, 5<<20)
	src := a.Path("/big.bin")
	dst := b.Path("/copy.bin")
	require.NoError(t, src.WriteFile(ctx, payload, storage.WriteFileOptions{}))

	require.NoError(t, storage.Copy(ctx, src, dst, storage.CopyOptions{}))

	err := storage.Copy(ctx, src, dst, storage.CopyOptions{})
	require.ErrorIs(t, err, storage.ErrAlreadyExists)

	var pe *storage.PathError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "/copy.bin", pe.Path)

	require.NoError(t, storage.Copy(ctx, src, dst, storage.CopyOptions{Overwrite: true}))

	got, err := dst.ReadFile(ctx, storage.ReadFileOptions{})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestCopy_StreamFallbackReportsProgress(t *testing.T) {
	ctx := context.Background()
	a := newMemFS(t)
	b := newMemFS(t)

	payload := randomBytes(t, 100_000)
	require.NoError(t, a.Path("/s.bin").WriteFile(ctx, payload, storage.WriteFileOptions{}))

	stream := storage.FallbackStream
	var last storage.Progress

	err := storage.Copy(ctx, a.Path("/s.bin"), b.Path("/d.bin"), storage.CopyOptions{
		Fallback:      &stream,
		ContentLength: true,
		OnProgress:    func(p storage.Progress) { last = p },
	})
	require.NoError(t, err)

	assert.Equal(t, storage.Progress{Src: "/s.bin", Current: 100_000, Total: 100_000}, last)

	got, err := b.Path("/d.bin").ReadFile(ctx, storage.ReadFileOptions{})
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCopy_SameBackendUsesNativeCopy(t *testing.T) {
	ctx := context.Background()
	mem := aferofs.NewMemory(nil)
	copier := &countingCopier{p: mem}
	fsys := storage.New(bareProvider{Provider: mem, caps: storage.Capabilities{Copy: copier}}, storage.Options{})

	require.NoError(t, fsys.Path("/a.txt").WriteFile(ctx, []byte("native"), storage.WriteFileOptions{}))
	require.NoError(t, fsys.Path("/a.txt").CopyTo(ctx, fsys.Path("/b.txt"), storage.CopyOptions{}))

	assert.Equal(t, 1, copier.calls)

	// Same provider, different FS: not the same backend, so no native copy.
	other := storage.New(bareProvider{Provider: mem, caps: storage.Capabilities{Copy: copier}}, storage.Options{})
	require.NoError(t, fsys.Path("/a.txt").CopyTo(ctx, other.Path("/c.txt"), storage.CopyOptions{}))
	assert.Equal(t, 1, copier.calls)
}

func TestCopy_KindConflictsFailBeforeIO(t *testing.T) {
	ctx := context.Background()
	a := newMemFS(t)
	b := newMemFS(t)

	require.NoError(t, a.Path("/file").WriteFile(ctx, []byte("x"), storage.WriteFileOptions{}))
	require.NoError(t, a.Path("/dir").Mkdir(ctx, storage.MkdirOptions{}))
	require.NoError(t, b.Path("/file").WriteFile(ctx, []byte("y"), storage.WriteFileOptions{}))
	require.NoError(t, b.Path("/dir").Mkdir(ctx, storage.MkdirOptions{}))

	err := storage.Copy(ctx, a.Path("/file"), b.Path("/dir"), storage.CopyOptions{Overwrite: true})
	require.ErrorIs(t, err, storage.ErrIsDirectory)

	err = storage.Copy(ctx, a.Path("/dir"), b.Path("/file"), storage.CopyOptions{Overwrite: true})
	require.ErrorIs(t, err, storage.ErrNotDirectory)

	got, err := b.Path("/file").ReadFile(ctx, storage.ReadFileOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), got)
}

func TestMove_DirectoryCrossBackend(t *testing.T) {
	ctx := context.Background()
	a := newMemFS(t)
	b := newMemFS(t)

	files := map[string][]byte{
		"/src/one.txt":          []byte("one"),
		"/src/sub/two.txt":      []byte("two"),
		"/src/sub/deep/3.bin":   randomBytes(t, 2048),
		"/src/sub/deep/4.empty": {},
	}

	for p, data := range files {
		require.NoError(t, a.Path(p).Dir().Mkdir(ctx, storage.MkdirOptions{Recursive: true}))
		require.NoError(t, a.Path(p).WriteFile(ctx, data, storage.WriteFileOptions{}))
	}

	require.NoError(t, storage.Move(ctx, a.Path("/src"), b.Path("/dst"), storage.CopyOptions{}))

	assert.False(t, a.Path("/src").Exists(ctx))

	for p, data := range files {
		moved := b.Path("/dst").Join(p[len("/src"):])
		got, err := moved.ReadFile(ctx, storage.ReadFileOptions{})
		require.NoError(t, err, moved.String())
		assert.Equal(t, data, got, moved.String())
	}
}

func TestMove_SameBackendNative(t *testing.T) {
	ctx := context.Background()
	fsys := storage.New(aferofs.NewMemory(nil), storage.Options{})

	require.NoError(t, fsys.Path("/d/f.txt").Dir().Mkdir(ctx, storage.MkdirOptions{Recursive: true}))
	require.NoError(t, fsys.Path("/d/f.txt").WriteFile(ctx, []byte("f"), storage.WriteFileOptions{}))

	require.NoError(t, fsys.Path("/d").MoveTo(ctx, fsys.Path("/e"), storage.CopyOptions{}))

	assert.False(t, fsys.Path("/d").Exists(ctx))
	assert.True(t, fsys.Path("/e/f.txt").IsFile(ctx))
}

func TestCopy_MissingSource(t *testing.T) {
	ctx := context.Background()
	err := storage.Copy(ctx, newMemFS(t).Path("/nope"), newMemFS(t).Path("/x"), storage.CopyOptions{})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestReadWriteText_Encodings(t *testing.T) {
	ctx := context.Background()
	p := newMemFS(t).Path("/t.txt")

	require.NoError(t, p.WriteText(ctx, "面包", "gbk"))

	raw, err := p.ReadFile(ctx, storage.ReadFileOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc3, 0xe6, 0xb0, 0xfc}, raw)

	text, err := p.ReadText(ctx, "gbk")
	require.NoError(t, err)
	assert.Equal(t, "面包", text)

	require.NoError(t, p.WriteText(ctx, "plain", ""))
	text, err = p.ReadText(ctx, "utf-8")
	require.NoError(t, err)
	assert.Equal(t, "plain", text)

	_, err = p.ReadText(ctx, "no-such-charset")
	assert.Error(t, err)
}

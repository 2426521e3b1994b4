package media

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hosts = []string{"tiktok.com", "instagram.com", "youtube.com", "youtu.be"}

func TestIsSupportedURL(t *testing.T) {
	ok := []string{
		"https://www.tiktok.com/@a/video/1",
		"https://vm.tiktok.com/ZM123/",
		"http://instagram.com/reel/abc",
		"https://youtu.be/xyz",
		"  https://m.youtube.com/shorts/q  ",
	}
	bad := []string{
		"",
		"hello",
		"ftp://youtube.com/x",
		"https://notyoutube.com/x",
		"https://youtube.com.evil.io/x",
		"https://example.com/?u=tiktok.com",
		"https://youtube.com/a b",
	}
	for _, u := range ok {
		assert.True(t, IsSupportedURL(u, hosts), u)
	}
	for _, u := range bad {
		assert.False(t, IsSupportedURL(u, hosts), u)
	}
}

func TestFiltersAlwaysAddNoise(t *testing.T) {
	tr := &Transformer{Rand: rand.New(rand.NewSource(1))}
	for i := 0; i < 50; i++ {
		vf, af := tr.Filters()
		assert.Contains(t, vf, "noise=alls=")
		assert.True(t, strings.HasPrefix(af, "atempo="), af)
		assert.NotContains(t, vf, ",,")
	}
}

func TestFiltersDeterministicForSeed(t *testing.T) {
	a := &Transformer{Rand: rand.New(rand.NewSource(7))}
	b := &Transformer{Rand: rand.New(rand.NewSource(7))}
	va, aa := a.Filters()
	vb, ab := b.Filters()
	assert.Equal(t, va, vb)
	assert.Equal(t, aa, ab)
}

func script(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	p := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755))
	return p
}

// fake yt-dlp: writes the template with ext=mkv and prints the path.
const fakeYtDlp = `
while [ $# -gt 0 ]; do
  case "$1" in -o) out="$2"; shift;; esac
  shift
done
f=$(printf '%s' "$out" | sed 's/%(ext)s/mkv/')
echo data > "$f"
echo "$f"
`

func TestFetchMovesOutputOntoDest(t *testing.T) {
	d := NewDownloader(script(t, fakeYtDlp), "definitely-not-ffmpeg")
	dir := t.TempDir()
	dest := filepath.Join(dir, "in_1_abc.mp4")

	require.NoError(t, d.Fetch(context.Background(), "https://youtu.be/x", dest))

	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "data\n", string(b))
	left, _ := filepath.Glob(filepath.Join(dir, "*"))
	assert.Equal(t, []string{dest}, left)
}

func TestFetchKeepsFreshMtime(t *testing.T) {
	// stamps the upload date unless told not to, like the real tool
	body := `
stamp=1
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift;;
    --no-mtime) stamp=0;;
  esac
  shift
done
f=$(printf '%s' "$out" | sed 's/%(ext)s/mp4/')
echo data > "$f"
if [ "$stamp" = 1 ]; then touch -t 200101010000 "$f"; fi
echo "$f"
`
	d := NewDownloader(script(t, body), "definitely-not-ffmpeg")
	dest := filepath.Join(t.TempDir(), "in_1_abc.mp4")
	require.NoError(t, d.Fetch(context.Background(), "https://youtu.be/x", dest))

	fi, err := os.Stat(dest)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), fi.ModTime(), time.Hour)
}

func TestFetchFailureLeavesNothing(t *testing.T) {
	body := `
while [ $# -gt 0 ]; do
  case "$1" in -o) out="$2"; shift;; esac
  shift
done
f=$(printf '%s' "$out" | sed 's/%(ext)s/part/')
echo partial > "$f"
echo "boom" >&2
exit 1
`
	d := NewDownloader(script(t, body), "definitely-not-ffmpeg")
	dir := t.TempDir()
	err := d.Fetch(context.Background(), "https://youtu.be/x", filepath.Join(dir, "in_1_abc.mp4"))
	require.Error(t, err)
	left, _ := filepath.Glob(filepath.Join(dir, "*"))
	assert.Empty(t, left)
}

func TestFetchHonoursContext(t *testing.T) {
	d := NewDownloader(script(t, "sleep 5\n"), "definitely-not-ffmpeg")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Fetch(ctx, "https://youtu.be/x", filepath.Join(t.TempDir(), "in.mp4"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransformWritesDst(t *testing.T) {
	// copies -i argument onto the last argument
	body := `
for a in "$@"; do last="$a"; done
while [ $# -gt 0 ]; do
  case "$1" in -i) in="$2"; shift;; esac
  shift
done
cp "$in" "$last"
`
	tr := NewTransformer(script(t, body))
	dir := t.TempDir()
	src := filepath.Join(dir, "in.mp4")
	dst := filepath.Join(dir, "out.mp4")
	require.NoError(t, os.WriteFile(src, []byte("v"), 0o644))

	require.NoError(t, tr.Transform(context.Background(), src, dst))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "v", string(b))
}

func TestTransformMissingOutput(t *testing.T) {
	tr := NewTransformer(script(t, "exit 0\n"))
	err := tr.Transform(context.Background(), "/nope", filepath.Join(t.TempDir(), "out.mp4"))
	assert.ErrorIs(t, err, ErrNoOutput)
}

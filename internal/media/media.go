// Package media wraps the external tools: yt-dlp fetches a link into a
// local file, ffmpeg rewrites a file into a "unique" copy.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	logx "github.com/wapuda/uniqbot/internal/logs"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

var ErrNoOutput = errors.New("extractor produced no file")

// IsSupportedURL reports whether raw is an http(s) link whose host is one
// of hosts or a subdomain of one.
func IsSupportedURL(raw string, hosts []string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, " \n\t") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// run executes a tool, streaming stderr into the log; stdout is returned.
func run(ctx context.Context, tool string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, tool, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	lw := logx.NewLineWriterFrom(logx.FromCtx(ctx), map[string]string{"proc": filepath.Base(tool)}, zerolog.DebugLevel)
	stderr := lw.Writer()
	cmd.Stderr = stderr
	err := cmd.Run()
	_ = stderr.Close()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(tool), ctx.Err())
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(tool), err)
	}
	return stdout.Bytes(), nil
}

// Downloader runs yt-dlp.
type Downloader struct {
	YtDlp  string
	Ffmpeg string // only probed; merging needs ffmpeg on PATH

	once      sync.Once
	hasFfmpeg bool
}

func NewDownloader(ytdlp, ffmpeg string) *Downloader {
	return &Downloader{YtDlp: ytdlp, Ffmpeg: ffmpeg}
}

func (d *Downloader) ffmpegAvailable() bool {
	d.once.Do(func() {
		_, err := exec.LookPath(d.Ffmpeg)
		d.hasFfmpeg = err == nil
	})
	return d.hasFfmpeg
}

func (d *Downloader) args(rawURL, tmpl string) []string {
	args := []string{
		"--no-playlist",
		"--no-warnings",
		"--quiet",
		"--no-simulate",
		"--no-mtime", // the janitor ages files by mtime
		"--retries", "5",
		"--fragment-retries", "5",
		"--socket-timeout", "20",
		"--concurrent-fragments", "4",
		"--user-agent", userAgent,
		"--print", "after_move:filepath",
		"-o", tmpl,
	}
	if d.ffmpegAvailable() {
		args = append(args, "-f", "bestvideo+bestaudio/best", "--merge-output-format", "mp4")
	} else {
		args = append(args, "-f", "best[ext=mp4]/best")
	}
	return append(args, rawURL)
}

// Fetch downloads rawURL so that exactly one file ends up at dest. On
// failure any sibling leftovers with dest's stem are removed.
func (d *Downloader) Fetch(ctx context.Context, rawURL, dest string) error {
	stem := strings.TrimSuffix(dest, filepath.Ext(dest))
	out, err := run(ctx, d.YtDlp, d.args(rawURL, stem+".%(ext)s")...)
	if err == nil {
		err = settle(out, dest)
	}
	if err != nil {
		removeStem(stem, dest)
		return err
	}
	return nil
}

// settle moves the file yt-dlp reported onto dest.
func settle(stdout []byte, dest string) error {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	got := strings.TrimSpace(lines[len(lines)-1])
	if got == "" {
		if _, err := os.Stat(dest); err == nil {
			return nil
		}
		return ErrNoOutput
	}
	if got == dest {
		return nil
	}
	if err := os.Rename(got, dest); err != nil {
		return fmt.Errorf("move download: %w", err)
	}
	return nil
}

func removeStem(stem, keep string) {
	matches, _ := filepath.Glob(globEscape(stem) + ".*")
	for _, m := range matches {
		_ = os.Remove(m)
	}
	_ = os.Remove(keep)
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}

// Transformer runs ffmpeg with a randomized set of light filters.
type Transformer struct {
	Ffmpeg string
	Rand   *rand.Rand

	mu sync.Mutex
}

func NewTransformer(ffmpeg string) *Transformer {
	return &Transformer{Ffmpeg: ffmpeg, Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Filters picks one video/audio filter chain.
func (t *Transformer) Filters() (vf, af string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.Rand
	chance := func(p float64) bool { return r.Float64() < p }
	between := func(a, b float64) float64 { return a + r.Float64()*(b-a) }

	var parts []string
	if chance(0.7) {
		parts = append(parts, "hflip")
	}
	if chance(0.65) {
		px := 8 + r.Intn(15)
		parts = append(parts, fmt.Sprintf("crop=iw-%d:ih-%d", px, px), "scale=iw:ih:flags=bicubic")
	}
	if chance(0.4) {
		parts = append(parts, fmt.Sprintf("rotate=%.3f*PI/180:fillcolor=black@0", between(-1, 1)))
	}
	if chance(0.75) {
		parts = append(parts, fmt.Sprintf("eq=contrast=%.3f:brightness=%.3f:saturation=%.3f",
			between(0.98, 1.08), between(-0.03, 0.03), between(0.98, 1.10)))
	}
	parts = append(parts, fmt.Sprintf("noise=alls=%d:allf=t+u", 3+r.Intn(8)))
	if chance(0.55) {
		fps := []string{"29.97", "30", "30.5", "31"}
		parts = append(parts, "fps="+fps[r.Intn(len(fps))])
	}
	tempo := []string{"0.995", "1.0", "1.005"}
	return strings.Join(parts, ","), "atempo=" + tempo[r.Intn(len(tempo))]
}

// Transform writes a re-encoded copy of src to dst.
func (t *Transformer) Transform(ctx context.Context, src, dst string) error {
	vf, af := t.Filters()
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", src,
		"-vf", vf,
		"-af", af,
		"-c:v", "libx264", "-crf", "19", "-preset", "medium",
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
		dst,
	}
	if _, err := run(ctx, t.Ffmpeg, args...); err != nil {
		_ = os.Remove(dst)
		return err
	}
	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("ffmpeg: %w", ErrNoOutput)
	}
	return nil
}

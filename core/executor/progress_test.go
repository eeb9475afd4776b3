package executor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleItemProgress(t *testing.T) {
	p := newProgressTracker(false, 1, nil)

	v, raw, ok := p.Download(50, 100)
	assert.True(t, ok)
	assert.Equal(t, 47, v)
	assert.InDelta(t, 0.5, raw, 0.001)

	_, _, ok = p.Download(50, 100)
	assert.False(t, ok, "unchanged value is not reported")

	v, _, _ = p.Download(100, 100)
	assert.Equal(t, 95, v)

	_, _, ok = p.Download(10, 0)
	assert.False(t, ok, "unknown total is ignored")

	v, ok = p.Stored(1, 1)
	assert.Equal(t, 95, v)
	assert.False(t, ok)
}

func TestMultiItemProgressIsSmoothAndMonotonic(t *testing.T) {
	p := newProgressTracker(true, 4, nil)

	var seen []int
	for item := 0; item < 4; item++ {
		for step := int64(0); step <= 10; step++ {
			v, _, _ := p.Download(step, 10)
			seen = append(seen, v)
		}
	}
	assertNonDecreasing(t, seen)
	assert.Equal(t, 70, p.Current())

	// Halfway through the second item
	q := newProgressTracker(true, 4, nil)
	for step := int64(0); step <= 10; step++ {
		q.Download(step, 10)
	}
	v, _, _ := q.Download(5, 10)
	assert.Equal(t, 26, v) // (1 + 0.5) * 70 / 4
}

func TestMultiItemExplicitCompletion(t *testing.T) {
	p := newProgressTracker(true, 3, nil)

	p.Download(100, 100)
	v, ok := p.ItemDone(0, 3)
	assert.Equal(t, 23, v)
	assert.False(t, ok)

	v, _, _ = p.Download(0, 100)
	assert.Equal(t, 23, v, "next item starts where the last ended")

	p.ItemDone(1, 3)
	v, ok = p.ItemDone(2, 3)
	assert.True(t, ok)
	assert.Equal(t, 70, v)
}

func TestUnderestimatedItemCountStillEndsAt70(t *testing.T) {
	p := newProgressTracker(true, 1, nil)
	for item := 0; item < 3; item++ {
		p.Download(0, 10)
		p.Download(10, 10)
	}
	assert.Equal(t, 70, p.Current())

	v, ok := p.FinishDownload()
	assert.Equal(t, 70, v)
	assert.False(t, ok)
}

func TestOverestimatedItemCountIsForcedTo70(t *testing.T) {
	p := newProgressTracker(true, 10, nil)
	p.Download(10, 10)

	v, ok := p.FinishDownload()
	assert.True(t, ok)
	assert.Equal(t, 70, v)

	v, _ = p.Stored(1, 2)
	assert.Equal(t, 82, v)
	v, _ = p.Stored(2, 2)
	assert.Equal(t, 95, v)
}

func TestInferredCompletionUsesAudioFileCount(t *testing.T) {
	files := 0
	p := newProgressTracker(true, 4, func() int { return files })

	p.Download(10, 10)
	// The provider finished two items before the next report arrived
	files = 3
	v, _, _ := p.Download(0, 10)
	assert.Equal(t, 35, v) // 2 * 70 / 4
}

func TestEstimateRescalesDownloadWindow(t *testing.T) {
	p := newProgressTracker(true, 1, nil)
	p.Estimate(4)
	p.Estimate(0) // unknown counts keep the last estimate

	v, _, ok := p.Download(50, 100)
	assert.True(t, ok)
	assert.Equal(t, 8, v) // 0.5 * 70 / 4

	v, _ = p.ItemDone(1, 4)
	assert.Equal(t, 35, v)
}

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Kind of Blue", "Kind_of_Blue"},
		{"  spaced \t out\n", "spaced_out"},
		{"AC/DC: Back in Black!", "ACDC_Back_in_Black"},
		{"Björk - Homogenic (1997)", "Bjrk_-_Homogenic_1997"},
		{"???", ""},
		{strings.Repeat("x", 200), strings.Repeat("x", 120)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeTitle(tt.in), tt.in)
	}
}

func TestAlbumTitlePreference(t *testing.T) {
	assert.Equal(t, "Requested", albumTitle("j1", "Requested", "Meta", "Source"))
	assert.Equal(t, "Meta", albumTitle("j1", "", "Meta", "Source"))
	assert.Equal(t, "Source", albumTitle("j1", "", "", "Source"))
	assert.Equal(t, "Source", albumTitle("j1", "???", "", "Source"))
	assert.Equal(t, "album_j1", albumTitle("j1", "", "", ""))
	assert.Equal(t, "playlist_j1", albumTitle("j1", "", "", "", "playlist_j1"))
}

func TestCollectFilesOrdersAudioFirstThenLargest(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, size int) {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o600))
	}
	write("cover.jpg", 5000)
	write("small.mp3", 10)
	write("disc1/big.FLAC", 1000)
	write("lyrics.lrc", 1)

	files, err := collectFiles(dir)
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"big.FLAC", "small.mp3", "cover.jpg", "lyrics.lrc"}, names)
	assert.Equal(t, 1, countAudioFiles(dir))
}

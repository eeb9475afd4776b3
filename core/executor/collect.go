package executor

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var audioExtensions = map[string]bool{
	".flac": true,
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".aac":  true,
}

func isAudio(name string) bool {
	return audioExtensions[strings.ToLower(filepath.Ext(name))]
}

type downloadedFile struct {
	Path string
	Name string
	Size int64
}

// collectFiles lists every regular file under dir, audio first and then larger first
func collectFiles(dir string) ([]downloadedFile, error) {
	var files []downloadedFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, downloadedFile{Path: path, Name: d.Name(), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(files, func(i, j int) bool {
		ai, aj := isAudio(files[i].Name), isAudio(files[j].Name)
		if ai != aj {
			return ai
		}
		if files[i].Size != files[j].Size {
			return files[i].Size > files[j].Size
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// countAudioFiles counts audio files directly in dir
func countAudioFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if entry.Type().IsRegular() && isAudio(entry.Name()) {
			n++
		}
	}
	return n
}

var unsafeTitleChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

const maxTitleLength = 120

// albumTitle picks the archive title: requested name, then provider metadata,
// then the source's album field, then a name derived from the job id
func albumTitle(jobID string, candidates ...string) string {
	fallback := "album_" + jobID
	for _, c := range candidates {
		if safe := sanitizeTitle(c); safe != "" {
			return safe
		}
	}
	return sanitizeTitle(fallback)
}

// sanitizeTitle collapses whitespace, turns spaces into underscores and keeps only [A-Za-z0-9._-]
func sanitizeTitle(title string) string {
	collapsed := strings.Join(strings.Fields(title), "_")
	safe := unsafeTitleChars.ReplaceAllString(collapsed, "")
	if len(safe) > maxTitleLength {
		safe = safe[:maxTitleLength]
	}
	return safe
}

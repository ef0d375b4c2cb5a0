package reader

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/yargevad/filepathx"
)

// Suffixes of the archive formats the reader can decode.
var archiveSuffixes = []string{
	".jsonl.zst",
	".json.zst",
	".jsonl.gz",
	".jsonl",
	".txt",
}

type PathInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	Dir     bool
}

func isArchive(path string) bool {
	return archiveSuffix(path) != ""
}

func archiveSuffix(path string) string {
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(path, suffix) {
			return suffix
		}
	}
	return ""
}

// GlobArchives
// Given a directory path, recursively finds all archives in a supported
// format, returning a slice of PathInfo sorted by path. A path to a single
// archive file is also accepted.
func GlobArchives(dirPath string) (pathInfos []PathInfo, err error) {
	if stat, statErr := os.Stat(dirPath); statErr != nil {
		return nil, statErr
	} else if !stat.IsDir() {
		if !isArchive(dirPath) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchive, dirPath)
		}
		return []PathInfo{{dirPath, stat.Size(), stat.ModTime(), false}},
			nil
	}
	matches, err := filepathx.Glob(dirPath + "/**/*")
	if err != nil {
		return nil, err
	}
	pathInfos = make([]PathInfo, 0, len(matches))
	for _, currPath := range matches {
		if !isArchive(currPath) {
			continue
		}
		if stat, statErr := os.Stat(currPath); statErr != nil {
			return nil, statErr
		} else if !stat.IsDir() {
			pathInfos = append(pathInfos, PathInfo{
				Path:    currPath,
				Size:    stat.Size(),
				ModTime: stat.ModTime(),
				Dir:     false,
			})
		}
	}
	if len(pathInfos) == 0 {
		return nil, errors.New(fmt.Sprintf(
			"%s does not contain any archives", dirPath))
	}
	SortPathInfoByPath(pathInfos, true)
	return pathInfos, nil
}

func SortPathInfoBySize(pathInfos []PathInfo, ascending bool) {
	if ascending {
		sort.SliceStable(pathInfos, func(i, j int) bool {
			return pathInfos[i].Size < pathInfos[j].Size
		})
	} else {
		sort.SliceStable(pathInfos, func(i, j int) bool {
			return pathInfos[i].Size > pathInfos[j].Size
		})
	}
}

func SortPathInfoByPath(pathInfos []PathInfo, ascending bool) {
	if ascending {
		sort.Slice(pathInfos, func(i, j int) bool {
			return pathInfos[i].Path < pathInfos[j].Path
		})
	} else {
		sort.Slice(pathInfos, func(i, j int) bool {
			return pathInfos[i].Path > pathInfos[j].Path
		})
	}
}

func ShufflePathInfos(pathInfos []PathInfo, rng *rand.Rand) {
	for i := len(pathInfos) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		pathInfos[i], pathInfos[j] = pathInfos[j], pathInfos[i]
	}
}

// ReorderPathInfos
// Reorders pathInfos in place according to sortSpec, one of
// size_ascending, size_descending, path_ascending, path_descending,
// random, shuffle or none.
func ReorderPathInfos(pathInfos []PathInfo, sortSpec string,
	rng *rand.Rand) error {
	switch sortSpec {
	case "", "none":
	case "size_ascending":
		SortPathInfoBySize(pathInfos, true)
	case "size_descending":
		SortPathInfoBySize(pathInfos, false)
	case "path_ascending":
		SortPathInfoByPath(pathInfos, true)
	case "path_descending":
		SortPathInfoByPath(pathInfos, false)
	case "random", "shuffle":
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		ShufflePathInfos(pathInfos, rng)
	default:
		return errors.New(fmt.Sprintf("Invalid sort spec: %s", sortSpec))
	}
	return nil
}

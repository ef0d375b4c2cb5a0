package reader

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const MAX_LINE_SZ = 64 * 1024 * 1024

// Archive is one corpus file, local or remote, that can be opened for
// streaming.
type Archive struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// LocalArchive wraps a file on disk. Uncompressed archives are memory
// mapped.
func LocalArchive(info PathInfo) Archive {
	path := info.Path
	return Archive{
		Name: path,
		Size: info.Size,
		Open: func() (io.ReadCloser, error) {
			file, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			switch archiveSuffix(path) {
			case ".jsonl", ".txt":
				mapped, mapErr := readMmap(file)
				if mapErr != nil {
					file.Close()
					return nil, mapErr
				}
				return mapped, nil
			default:
				return file, nil
			}
		},
	}
}

// Record is one document of an lm_dataformat archive.
type Record struct {
	Text string
	Meta json.RawMessage
}

type jsonlLine struct {
	Text string          `json:"text"`
	Meta json.RawMessage `json:"meta"`
}

// recordStream yields records out of one opened archive.
type recordStream interface {
	next() (Record, bool, error)
	Close() error
}

type multiCloser []io.Closer

func (closers multiCloser) Close() error {
	var firstErr error
	for idx := len(closers) - 1; idx >= 0; idx-- {
		if err := closers[idx].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type jsonlStream struct {
	name    string
	line    int
	scanner *bufio.Scanner
	closer  io.Closer
}

func (js *jsonlStream) next() (Record, bool, error) {
	for js.scanner.Scan() {
		js.line++
		raw := js.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line jsonlLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return Record{}, false, fmt.Errorf("%w: %s:%d: %v",
				ErrBadRecord, js.name, js.line, err)
		}
		return Record{Text: line.Text, Meta: line.Meta}, true, nil
	}
	if err := js.scanner.Err(); err != nil {
		return Record{}, false, fmt.Errorf("%s: %w", js.name, err)
	}
	return Record{}, false, nil
}

func (js *jsonlStream) Close() error {
	return js.closer.Close()
}

// textStream yields the whole archive as a single record.
type textStream struct {
	name   string
	reader io.Reader
	closer io.Closer
	done   bool
}

func (ts *textStream) next() (Record, bool, error) {
	if ts.done {
		return Record{}, false, nil
	}
	ts.done = true
	text, err := io.ReadAll(ts.reader)
	if err != nil {
		return Record{}, false, fmt.Errorf("%s: %w", ts.name, err)
	}
	return Record{Text: string(text)}, true, nil
}

func (ts *textStream) Close() error {
	return ts.closer.Close()
}

func newJsonlStream(name string, reader io.Reader,
	closer io.Closer) *jsonlStream {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1024*1024), MAX_LINE_SZ)
	return &jsonlStream{name: name, scanner: scanner, closer: closer}
}

// openArchive opens archive and picks the decoder from its suffix.
func openArchive(archive Archive) (recordStream, error) {
	suffix := archiveSuffix(archive.Name)
	if suffix == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchive, archive.Name)
	}
	rc, err := archive.Open()
	if err != nil {
		return nil, err
	}
	switch suffix {
	case ".jsonl.zst", ".json.zst":
		decoder, zErr := zstd.NewReader(bufio.NewReaderSize(rc, 1024*1024))
		if zErr != nil {
			rc.Close()
			return nil, fmt.Errorf("%s: %w", archive.Name, zErr)
		}
		zrc := decoder.IOReadCloser()
		return newJsonlStream(archive.Name, zrc, multiCloser{rc, zrc}), nil
	case ".jsonl.gz":
		decoder, gzErr := gzip.NewReader(bufio.NewReaderSize(rc, 1024*1024))
		if gzErr != nil {
			rc.Close()
			return nil, fmt.Errorf("%s: %w", archive.Name, gzErr)
		}
		return newJsonlStream(archive.Name, decoder,
			multiCloser{rc, decoder}), nil
	case ".jsonl":
		return newJsonlStream(archive.Name, rc, rc), nil
	default:
		return &textStream{name: archive.Name, reader: rc, closer: rc}, nil
	}
}

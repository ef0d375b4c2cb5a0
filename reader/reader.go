// Package reader streams documents out of lm_dataformat style corpus
// archives, from local directories or S3 prefixes.
package reader

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"strings"

	"github.com/dustin/go-humanize"
)

var (
	// ErrExhausted is returned once every archive has been consumed.
	ErrExhausted          = fmt.Errorf("reader: source exhausted: %w", io.EOF)
	ErrUnsupportedArchive = errors.New("reader: unsupported archive format")
	ErrBadRecord          = errors.New("reader: malformed record")
)

// Options
// Configuration for a Reader.
type Options struct {
	Sanitize bool
	Reorder  string
	Rand     *rand.Rand
	Quiet    bool
}

// Reader pulls one Record at a time out of a sequence of archives.
type Reader struct {
	archives []Archive
	idx      int
	current  recordStream
	opts     Options
}

// NewReader
// Creates a Reader over a fixed list of archives, read in order.
func NewReader(archives []Archive, opts Options) *Reader {
	return &Reader{archives: archives, opts: opts}
}

// Open
// Resolves uri as either an `s3://bucket/prefix` location or a local
// directory or file, and returns a Reader over every archive found there.
func Open(uri string, opts Options) (*Reader, error) {
	if strings.HasPrefix(uri, "s3://") {
		client, err := NewS3Client()
		if err != nil {
			return nil, err
		}
		return OpenS3(client, uri, opts)
	}
	pathInfos, err := GlobArchives(uri)
	if err != nil {
		return nil, err
	}
	if err := ReorderPathInfos(pathInfos, opts.Reorder, opts.Rand); err != nil {
		return nil, err
	}
	archives := make([]Archive, len(pathInfos))
	for idx := range pathInfos {
		archives[idx] = LocalArchive(pathInfos[idx])
	}
	return NewReader(archives, opts), nil
}

// Archives returns the archives in the order they will be read.
func (r *Reader) Archives() []Archive {
	return r.archives
}

// Next
// Returns the next record, moving on to the next archive when the current
// one runs dry. Returns ErrExhausted after the last archive.
func (r *Reader) Next() (Record, error) {
	for {
		if r.current == nil {
			if r.idx >= len(r.archives) {
				return Record{}, ErrExhausted
			}
			archive := r.archives[r.idx]
			r.idx++
			if !r.opts.Quiet {
				log.Printf("Reading %s (%s)", archive.Name,
					humanize.Bytes(uint64(archive.Size)))
			}
			stream, err := openArchive(archive)
			if err != nil {
				return Record{}, err
			}
			r.current = stream
		}
		record, ok, err := r.current.next()
		if err != nil {
			return Record{}, err
		}
		if ok {
			if r.opts.Sanitize {
				record.Text = SanitizeText(record.Text)
			}
			return record, nil
		}
		closeErr := r.current.Close()
		r.current = nil
		if closeErr != nil {
			return Record{}, closeErr
		}
	}
}

// Close releases the archive currently being read.
func (r *Reader) Close() error {
	if r.current == nil {
		return nil
	}
	err := r.current.Close()
	r.current = nil
	return err
}

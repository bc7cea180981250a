// Package splitter turns an incoming byte stream into a sequence of bounded
// temporary files, announcing each file's lifecycle on an ordered event
// channel. It carries no object-store knowledge; the consumer decides what to
// do with each finished file.
package splitter

import (
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/tuskit/s3store/internal"
)

// DefaultMaxChunkSize is the chunk file size the splitter targets when the
// config leaves it unset.
const DefaultMaxChunkSize int64 = 8 * 1024 * 1024

const copyBufferSize = 32 * 1024

// EventKind discriminates the Event variants.
type EventKind int

const (
	// ChunkStarted carries the path of a freshly opened chunk file. The file
	// is still being written; the path is announced early so the consumer can
	// clean it up if the stream dies.
	ChunkStarted EventKind = iota
	// ChunkFinished carries the path and final size of a closed chunk file.
	ChunkFinished
	// Done signals clean end-of-stream. It is always the last event.
	Done
	// Error signals that the stream or the filesystem failed. The pending
	// chunk file, if any, was closed but not finished; the consumer owns its
	// deletion. Error is always the last event.
	Error
)

// Event is one message on the splitter's channel.
type Event struct {
	Kind EventKind
	Path string
	Size int64
	Err  error
}

// Config ...
type Config struct {
	// MaxChunkSize is the exact size at which a chunk file is closed. The
	// final chunk of a stream may be smaller. Default: DefaultMaxChunkSize.
	MaxChunkSize int64
	// Dir is the directory chunk files are created in. It must exist.
	Dir string
	// Os defaults to the real filesystem.
	Os internal.OsProxy
	// Logger defaults to a fresh logger.
	Logger log.Logger
}

// Splitter ...
type Splitter struct {
	maxChunkSize int64
	dir          string
	os           internal.OsProxy
	logger       log.Logger
}

// New ...
func New(config Config) *Splitter {
	maxChunkSize := config.MaxChunkSize
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	osProxy := config.Os
	if osProxy == nil {
		osProxy = internal.RealOS{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Splitter{
		maxChunkSize: maxChunkSize,
		dir:          config.Dir,
		os:           osProxy,
		logger:       logger,
	}
}

// Split consumes src in a background goroutine and returns the event channel.
// ChunkFinished events arrive strictly in chunk order and strictly before the
// terminal Done or Error event, after which the channel is closed. The caller
// must drain the channel.
func (s *Splitter) Split(src io.Reader) <-chan Event {
	events := make(chan Event)
	go s.run(src, events)
	return events
}

func (s *Splitter) run(src io.Reader, events chan<- Event) {
	defer close(events)

	var (
		current *os.File
		written int64
	)

	fail := func(err error) {
		if current != nil {
			if closeErr := current.Close(); closeErr != nil {
				s.logger.Warnf("Closing pending chunk file %s: %s", current.Name(), closeErr)
			}
			current = nil
		}
		events <- Event{Kind: Error, Err: err}
	}

	finish := func() bool {
		path := current.Name()
		if err := current.Close(); err != nil {
			current = nil
			events <- Event{Kind: Error, Err: fmt.Errorf("close chunk file %s: %w", path, err)}
			return false
		}
		current = nil
		s.logger.Debugf("Chunk %s finished at %s", path, units.BytesSize(float64(written)))
		events <- Event{Kind: ChunkFinished, Path: path, Size: written}
		written = 0
		return true
	}

	buf := make([]byte, copyBufferSize)
	for {
		n, readErr := src.Read(buf)

		chunk := buf[:n]
		for len(chunk) > 0 {
			if current == nil {
				file, err := s.os.CreateTemp(s.dir, "chunk-*")
				if err != nil {
					fail(fmt.Errorf("create chunk file: %w", err))
					return
				}
				current = file
				events <- Event{Kind: ChunkStarted, Path: file.Name()}
			}

			room := s.maxChunkSize - written
			take := int64(len(chunk))
			if take > room {
				take = room
			}
			if _, err := current.Write(chunk[:take]); err != nil {
				fail(fmt.Errorf("write chunk file %s: %w", current.Name(), err))
				return
			}
			written += take
			chunk = chunk[take:]

			if written == s.maxChunkSize {
				if !finish() {
					return
				}
			}
		}

		if readErr == io.EOF {
			if current != nil && !finish() {
				return
			}
			events <- Event{Kind: Done}
			return
		}
		if readErr != nil {
			fail(readErr)
			return
		}
	}
}

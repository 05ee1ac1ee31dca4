package engine

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// frameHeaderSize is the fixed little-endian length prefix of every log frame.
const frameHeaderSize = 4

// LogStorageEngine implements the Append-Only Log persistence layer.
// Each collection maps to one <name>.aev file whose bytes are a
// concatenation of frames: a 4-byte little-endian payload length
// followed by that many bytes of UTF-8 JSON.
type LogStorageEngine struct {
	DataDirectory string
	logger        *zap.SugaredLogger
}

// NewLogStore creates the storage engine and ensures the data directory
// exists, creating it recursively if needed.
func NewLogStore(dataDir string, logger *zap.SugaredLogger) (*LogStorageEngine, error) {
	store := &LogStorageEngine{
		DataDirectory: dataDir,
		logger:        logger,
	}

	if err := os.MkdirAll(store.DataDirectory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", store.DataDirectory, err)
	}

	return store, nil
}

func (e *LogStorageEngine) path(collection string) string {
	return filepath.Join(e.DataDirectory, collection+".aev")
}

// ListCollections enumerates the .aev files under the data directory,
// returning their stems as collection names.
func (e *LogStorageEngine) ListCollections() ([]string, error) {
	entries, err := os.ReadDir(e.DataDirectory)
	if err != nil {
		return nil, fmt.Errorf("error reading data directory %s: %w", e.DataDirectory, err)
	}

	var collections []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".aev") {
			collections = append(collections, strings.TrimSuffix(name, ".aev"))
		}
	}
	return collections, nil
}

// Append writes one frame to the collection's log file. The handle is
// opened per operation and closed before returning.
func (e *LogStorageEngine) Append(collection string, payload []byte) error {
	file, err := os.OpenFile(e.path(collection), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error opening log file for %s: %w", collection, err)
	}
	defer file.Close()

	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := file.Write(header[:]); err != nil {
		return fmt.Errorf("error writing frame header for %s: %w", collection, err)
	}
	if _, err := file.Write(payload); err != nil {
		return fmt.Errorf("error writing frame payload for %s: %w", collection, err)
	}
	return nil
}

// LoadLog memory-maps the collection's log file and walks its frames in
// order. A short header or short payload ends the walk silently: a torn
// tail from a crash must not lose the frames before it.
func (e *LogStorageEngine) LoadLog(collection string) ([][]byte, error) {
	file, err := os.Open(e.path(collection))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error opening log file for %s: %w", collection, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("error reading log file stats for %s: %w", collection, err)
	}
	size := int(stat.Size())
	if size == 0 {
		return nil, nil
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("error memory mapping log file for %s: %w", collection, err)
	}
	defer unix.Munmap(data)

	var payloads [][]byte
	offset := 0
	for {
		if offset+frameHeaderSize > size {
			break
		}
		length := int(binary.LittleEndian.Uint32(data[offset : offset+frameHeaderSize]))
		offset += frameHeaderSize

		if offset+length > size {
			// Partial trailing frame, everything before it stands.
			break
		}

		payload := make([]byte, length)
		copy(payload, data[offset:offset+length])
		payloads = append(payloads, payload)
		offset += length
	}
	return payloads, nil
}

// Compact atomically rewrites the collection's log to contain exactly
// the given frame sequence. The snapshot is written to a temp file,
// flushed and closed, then renamed over the live file. Any failure
// removes the temp file and leaves the live log untouched.
func (e *LogStorageEngine) Compact(collection string, payloads [][]byte) error {
	path := e.path(collection)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating temp compaction file for %s: %w", collection, err)
	}

	writeAll := func() error {
		var header [frameHeaderSize]byte
		for _, payload := range payloads {
			binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
			if _, err := file.Write(header[:]); err != nil {
				return err
			}
			if _, err := file.Write(payload); err != nil {
				return err
			}
		}
		return file.Sync()
	}

	if err := writeAll(); err != nil {
		err = multierr.Combine(err, file.Close(), os.Remove(tempPath))
		return fmt.Errorf("error writing compacted log for %s: %w", collection, err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("error closing temp compaction file for %s: %w",
			collection, multierr.Append(err, os.Remove(tempPath)))
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("error swapping compacted log for %s: %w",
			collection, multierr.Append(err, os.Remove(tempPath)))
	}

	e.logger.Debugf("Maintenance: compaction complete for %s (%d frames)", collection, len(payloads))
	return nil
}

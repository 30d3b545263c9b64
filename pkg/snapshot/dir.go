package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/wachiwi/kamera/pkg/camera"
)

const indexFile = "index.json"

// Entry is one saved snapshot.
type Entry struct {
	Name       string    `json:"name"`
	Device     string    `json:"device"`
	Generation uint64    `json:"generation"`
	Timestamp  time.Time `json:"timestamp"`
}

// Dir stores snapshots as files named by capture time and records them in
// index.json. Snapshots older than the retention period are removed on Save.
type Dir struct {
	path      string
	format    string
	quality   int
	retention time.Duration

	mu sync.Mutex
}

// DirOptions configures a Dir. Format is "jpeg" (default) or "png"; a zero
// Retention keeps everything.
type DirOptions struct {
	Format    string
	Quality   int
	Retention time.Duration
}

// NewDir creates the directory if needed.
func NewDir(path string, opts DirOptions) (*Dir, error) {
	switch opts.Format {
	case "":
		opts.Format = "jpeg"
	case "jpeg", "png":
	default:
		return nil, fmt.Errorf("snapshot: unknown format %q", opts.Format)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	return &Dir{path: path, format: opts.Format, quality: opts.Quality, retention: opts.Retention}, nil
}

// Path returns the directory.
func (d *Dir) Path() string { return d.path }

// Save writes the frame and records it. device is stored in the index.
func (d *Dir) Save(f *camera.Frame, device string) (Entry, error) {
	ts := f.Timestamp()
	if ts.IsZero() {
		ts = time.Now()
	}
	ext := ".jpg"
	if d.format == "png" {
		ext = ".png"
	}
	e := Entry{
		Name:       ts.UTC().Format("20060102T150405.000Z") + ext,
		Device:     device,
		Generation: f.Generation(),
		Timestamp:  ts,
	}

	path := filepath.Join(d.path, e.Name)
	if d.format == "png" {
		if err := SavePNG(f, path); err != nil {
			return Entry{}, err
		}
	} else {
		data, err := EncodeJPEG(f, d.quality)
		if err != nil {
			return Entry{}, err
		}
		if err := writeFile(path, data); err != nil {
			return Entry{}, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	entries, err := d.readIndex()
	if err != nil {
		return Entry{}, err
	}
	entries = append(entries, e)
	entries = d.prune(entries)
	if err := d.writeIndex(entries); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// List returns the indexed snapshots, oldest first.
func (d *Dir) List() ([]Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readIndex()
}

// Latest returns the newest snapshot, or false when there is none.
func (d *Dir) Latest() (Entry, bool, error) {
	entries, err := d.List()
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[len(entries)-1], true, nil
}

func (d *Dir) readIndex() ([]Entry, error) {
	data, err := os.ReadFile(filepath.Join(d.path, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return []Entry{}, nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupted index is rebuilt by the next Save.
		slog.Warn("Ignoring corrupted snapshot index", "dir", d.path, "error", err)
		return []Entry{}, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	return entries, nil
}

func (d *Dir) writeIndex(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(d.path, indexFile), data)
}

// prune removes files of entries that fell out of the retention period.
func (d *Dir) prune(entries []Entry) []Entry {
	if d.retention <= 0 {
		return entries
	}
	cutoff := time.Now().Add(-d.retention)
	recent := entries[:0]
	for _, e := range entries {
		if e.Timestamp.After(cutoff) {
			recent = append(recent, e)
			continue
		}
		if err := os.Remove(filepath.Join(d.path, e.Name)); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove old snapshot", "name", e.Name, "error", err)
		}
	}
	return recent
}

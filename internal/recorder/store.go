package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Recording is one open output file. Packets are appended in timestamp order;
// Finalize writes the sidecar metadata and makes the recording discoverable.
// Until Finalize returns, the recording does not exist as far as external
// consumers of the recording tree are concerned.
type Recording interface {
	// WritePacket appends the packet's payload to the recording.
	WritePacket(p Packet) error

	// Finalize flushes and closes the data file, then writes the sidecar
	// metadata. Both steps are atomic renames: a crash at any point leaves
	// either nothing discoverable or a complete recording with metadata.
	Finalize(meta any) error

	// Abort discards the recording without making it discoverable.
	Abort() error

	// Name returns the base name of the data file (used in sidecar metadata).
	Name() string
}

// RecordingStore creates recordings. Implementations decide layout and format;
// the pipeline only streams packets into them.
type RecordingStore interface {
	Create(cameraID CameraID, kind RecordingKind, start time.Time) (Recording, error)
}

const (
	dataExt    = ".h264"
	sidecarExt = ".json"
	tmpSuffix  = ".tmp"
)

// FileStore writes recordings under baseDir, keyed by camera id, date, and
// hour: <base>/<camera>/<2006-01-02>/<15>/<kind>_<15-04-05>.h264 plus a
// matching .json sidecar.
type FileStore struct {
	baseDir string
}

// NewFileStore returns a store rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// BaseDir returns the recording tree root.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

// Create implements RecordingStore. The data file is written under a .tmp name
// so that in-progress recordings are never mistaken for finalized ones. Name
// collisions (a camera removed and re-added within the same second, or a
// crashed run's leftover tmp) get a numeric suffix; an existing recording is
// never reused or overwritten.
func (s *FileStore) Create(cameraID CameraID, kind RecordingKind, start time.Time) (Recording, error) {
	dir := filepath.Join(s.baseDir, string(cameraID), start.Format("2006-01-02"), start.Format("15"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	base := fmt.Sprintf("%s_%s", kind, start.Format("15-04-05"))
	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		name += dataExt
		path := filepath.Join(dir, name)

		if pathExists(path) || pathExists(sidecarPath(path)) {
			continue
		}
		f, err := os.OpenFile(path+tmpSuffix, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			// Another recording owns this tmp (in progress or crashed); leave
			// it alone and take the next name. Stale tmps are swept later.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create recording file: %w", err)
		}
		return &fileRecording{file: f, path: path, name: name}, nil
	}
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

type fileRecording struct {
	file *os.File
	path string
	name string
}

func (r *fileRecording) Name() string {
	return r.name
}

func (r *fileRecording) WritePacket(p Packet) error {
	if _, err := r.file.Write(p.Data); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

func (r *fileRecording) Finalize(meta any) error {
	if err := r.file.Sync(); err != nil {
		r.file.Close()
		return fmt.Errorf("sync recording: %w", err)
	}
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close recording: %w", err)
	}
	if err := os.Rename(r.path+tmpSuffix, r.path); err != nil {
		return fmt.Errorf("publish recording: %w", err)
	}

	// Sidecar last: discovery is keyed on the sidecar, so a crash between the
	// two renames leaves a data file that is simply not discoverable yet.
	buf, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	sidecar := sidecarPath(r.path)
	if err := os.WriteFile(sidecar+tmpSuffix, buf, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := os.Rename(sidecar+tmpSuffix, sidecar); err != nil {
		return fmt.Errorf("publish sidecar: %w", err)
	}
	return nil
}

func (r *fileRecording) Abort() error {
	r.file.Close()
	if err := os.Remove(r.path + tmpSuffix); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func sidecarPath(dataPath string) string {
	return dataPath[:len(dataPath)-len(dataExt)] + sidecarExt
}

// SweepResult summarizes one retention pass.
type SweepResult struct {
	Deleted      int
	Kept         int
	BytesFreed   int64
	InvalidFiles int
}

// sweepSidecar is the subset of sidecar metadata the retention sweep reads.
type sweepSidecar struct {
	Type string  `json:"type"`
	Keep bool    `json:"keep"`
	End  float64 `json:"end_time"`
	File string  `json:"file"`
}

// Sweep deletes continuous recordings whose end time is older than maxAge.
// Event recordings and sidecars marked keep are never deleted. Tmp files older
// than maxAge are removed too; they come from crashed runs and were never
// discoverable. Empty directories left behind are pruned. With dryRun set,
// Sweep only counts what would be deleted.
func (s *FileStore) Sweep(maxAge time.Duration, dryRun bool) (SweepResult, error) {
	var res SweepResult
	cutoff := time.Now().Add(-maxAge)

	err := filepath.Walk(s.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if filepath.Ext(path) == tmpSuffix {
			if info.ModTime().Before(cutoff) {
				res.BytesFreed += info.Size()
				if !dryRun {
					if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
						return err
					}
				}
				res.Deleted++
			}
			return nil
		}
		if filepath.Ext(path) != sidecarExt {
			return nil
		}

		buf, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var meta sweepSidecar
		if err := json.Unmarshal(buf, &meta); err != nil {
			res.InvalidFiles++
			return nil
		}

		if meta.Keep || meta.Type != string(KindContinuous) {
			res.Kept++
			return nil
		}
		if TimeFromEpoch(meta.End).After(cutoff) {
			res.Kept++
			return nil
		}

		dataPath := filepath.Join(filepath.Dir(path), meta.File)
		if fi, err := os.Stat(dataPath); err == nil {
			res.BytesFreed += fi.Size()
		}

		if !dryRun {
			if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
				return err
			}
			if err := os.Remove(path); err != nil {
				return err
			}
		}
		res.Deleted++
		return nil
	})
	if err != nil {
		return res, err
	}

	if !dryRun {
		pruneEmptyDirs(s.baseDir)
	}
	return res, nil
}

// pruneEmptyDirs removes empty directories under root, deepest first. root
// itself is preserved.
func pruneEmptyDirs(root string) {
	var dirs []string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		// Remove fails on non-empty directories, which is exactly what we want.
		os.Remove(dirs[i])
	}
}

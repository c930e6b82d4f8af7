package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func readSidecars(t *testing.T, baseDir string) []SegmentMetadata {
	t.Helper()
	var metas []SegmentMetadata
	filepath.Walk(baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		buf, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read sidecar: %v", err)
		}
		var m SegmentMetadata
		if err := json.Unmarshal(buf, &m); err != nil {
			t.Fatalf("decode sidecar %s: %v", path, err)
		}
		metas = append(metas, m)
		return nil
	})
	sort.Slice(metas, func(i, j int) bool { return metas[i].Start < metas[j].Start })
	return metas
}

func runWriter(t *testing.T, w *SegmentWriter) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	return func() {
		// Wait for Run to drain the closed input channel on its own;
		// cancel only as a fallback so buffered packets are not dropped.
		select {
		case <-done:
			cancel()
			return
		case <-time.After(time.Second):
		}
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("writer did not stop")
		}
	}
}

func TestSegmentWriter_rotates_on_boundary(t *testing.T) {
	store := NewFileStore(t.TempDir())
	in := make(chan Packet, 64)
	w := NewSegmentWriter("cam1", store, time.Minute, in, testLogger())

	stop := runWriter(t, w)

	// 150 one-second packets spanning two and a half minute boundaries.
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 150; i++ {
		in <- Packet{Timestamp: base.Add(time.Duration(i) * time.Second), Data: []byte{byte(i)}}
	}
	close(in)
	stop()

	metas := readSidecars(t, store.BaseDir())
	if len(metas) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(metas))
	}

	wantCounts := []int{60, 60, 30}
	for i, m := range metas {
		if m.FrameCount != wantCounts[i] {
			t.Errorf("segment %d: frame count %d, want %d", i, m.FrameCount, wantCounts[i])
		}
		if m.CameraID != "cam1" || m.Type != "continuous" {
			t.Errorf("segment %d: bad identity fields %+v", i, m)
		}
	}

	// Non-overlap: each segment's end precedes the next segment's start.
	for i := 1; i < len(metas); i++ {
		if metas[i].Start <= metas[i-1].End {
			t.Errorf("segments %d and %d overlap: end=%f next start=%f", i-1, i, metas[i-1].End, metas[i].Start)
		}
	}
}

func TestSegmentWriter_outage_gap_no_empty_segments(t *testing.T) {
	store := NewFileStore(t.TempDir())
	in := make(chan Packet, 64)
	w := NewSegmentWriter("cam1", store, time.Minute, in, testLogger())

	stop := runWriter(t, w)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	// One minute of packets, a five-minute outage, another minute of packets.
	for i := 0; i < 60; i++ {
		in <- Packet{Timestamp: base.Add(time.Duration(i) * time.Second), Data: []byte{1}}
	}
	resume := base.Add(6 * time.Minute)
	for i := 0; i < 60; i++ {
		in <- Packet{Timestamp: resume.Add(time.Duration(i) * time.Second), Data: []byte{1}}
	}
	close(in)
	stop()

	metas := readSidecars(t, store.BaseDir())
	if len(metas) != 2 {
		t.Fatalf("expected 2 segments around the outage, got %d", len(metas))
	}
	gap := metas[1].Start - metas[0].End
	if gap < 4*60 {
		t.Errorf("outage should appear as a timestamp gap, got %f seconds", gap)
	}
	for i, m := range metas {
		if m.FrameCount == 0 {
			t.Errorf("segment %d is empty", i)
		}
	}
}

func TestSegmentWriter_observed_start_diverges_from_boundary(t *testing.T) {
	store := NewFileStore(t.TempDir())
	in := make(chan Packet, 8)
	w := NewSegmentWriter("cam1", store, time.Minute, in, testLogger())

	stop := runWriter(t, w)

	// Stream comes up 20s into the minute.
	first := time.Date(2024, 3, 1, 12, 0, 20, 0, time.UTC)
	in <- Packet{Timestamp: first, Data: []byte{1}}
	in <- Packet{Timestamp: first.Add(time.Second), Data: []byte{1}}
	close(in)
	stop()

	metas := readSidecars(t, store.BaseDir())
	if len(metas) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(metas))
	}
	if metas[0].Start != EpochSeconds(first) {
		t.Errorf("observed start %f, want %f", metas[0].Start, EpochSeconds(first))
	}
	// File name carries the nominal minute boundary.
	if metas[0].File != "continuous_12-00-00.h264" {
		t.Errorf("file name %q should use the nominal boundary", metas[0].File)
	}
}

func TestSegmentWriter_finalizes_on_cancel(t *testing.T) {
	store := NewFileStore(t.TempDir())
	in := make(chan Packet, 8)
	w := NewSegmentWriter("cam1", store, time.Minute, in, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	in <- Packet{Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), Data: []byte("x")}
	for w.ActiveSegmentStart() == nil {
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done

	metas := readSidecars(t, store.BaseDir())
	if len(metas) != 1 {
		t.Fatalf("in-progress segment should be finalized on cancel, got %d sidecars", len(metas))
	}
	if metas[0].FrameCount != 1 {
		t.Errorf("frame count %d, want 1", metas[0].FrameCount)
	}
}

// failingStore fails Create after a set number of successes.
type failingStore struct {
	inner     RecordingStore
	successes int
}

func (s *failingStore) Create(cameraID CameraID, kind RecordingKind, start time.Time) (Recording, error) {
	if s.successes <= 0 {
		return nil, errors.New("disk full")
	}
	s.successes--
	return s.inner.Create(cameraID, kind, start)
}

func TestSegmentWriter_store_failure_is_fatal_for_camera(t *testing.T) {
	store := &failingStore{inner: NewFileStore(t.TempDir()), successes: 0}
	in := make(chan Packet, 8)
	w := NewSegmentWriter("cam1", store, time.Minute, in, testLogger())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	in <- Packet{Timestamp: time.Unix(0, 0), Data: []byte{1}}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer should halt on store failure")
	}
	if !w.Failed() {
		t.Error("writer should report failed")
	}
}

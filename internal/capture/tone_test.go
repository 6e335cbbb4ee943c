package capture

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestToneDeliversChunksUntilClosed(t *testing.T) {
	src := NewTone(Config{SampleRate: 8000, FramesPerBuffer: 80}, 440)
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	var chunks atomic.Int64
	if err := src.Start(func(chunk []float32, channels int) {
		if len(chunk) != 80 || channels != 1 {
			t.Errorf("chunk shape: len=%d channels=%d", len(chunk), channels)
		}
		chunks.Add(1)
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for chunks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if chunks.Load() < 3 {
		t.Fatalf("chunks: want>=3 got=%d", chunks.Load())
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	after := chunks.Load()
	time.Sleep(50 * time.Millisecond)
	if chunks.Load() != after {
		t.Fatalf("chunks after close: want=%d got=%d", after, chunks.Load())
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestToneStartRequiresOpen(t *testing.T) {
	src := NewTone(Config{SampleRate: 8000}, 0)
	if err := src.Start(func([]float32, int) {}); err == nil {
		t.Fatal("expected error starting an unopened source")
	}
}

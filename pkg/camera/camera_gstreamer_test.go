//go:build linux && gstreamer

package camera

import (
	"testing"

	"github.com/tinyzimmer/go-gst/gst"
)

func newGstSample(t *testing.T, data []byte) *gstSample {
	t.Helper()
	gstInit.Do(func() { gst.Init(nil) })
	sample := gst.NewSample(gst.NewBufferFromBytes(data), gst.NewCapsFromString("video/x-raw,format=GRAY8,width=2,height=2"))
	if sample == nil {
		t.Fatal("Failed to create gstreamer sample")
	}
	smp := &gstSample{sample: sample, layout: lockedBuffer{stride: 2, width: 2, height: 2, format: "GREY"}}
	smp.init(smp.drop)
	return smp
}

func TestGstSampleLocksIndependently(t *testing.T) {
	smp := newGstSample(t, []byte{1, 2, 3, 4})

	g1, err := lockSample(smp)
	if err != nil {
		t.Fatalf("Failed to lock sample: %v", err)
	}
	smp.Retain()
	g2, err := lockSample(smp)
	if err != nil {
		t.Fatalf("Failed to lock sample a second time: %v", err)
	}
	if n := smp.mapped(); n != 2 {
		t.Errorf("Expected 2 maps, got %d", n)
	}

	g1.release()
	if n := smp.mapped(); n != 1 {
		t.Errorf("Expected 1 map after first release, got %d", n)
	}
	if got := g2.buf.data; len(got) != 4 || got[3] != 4 {
		t.Errorf("Second lock lost its data after the first was released: %v", got)
	}

	g2.release()
	if n := smp.mapped(); n != 0 {
		t.Errorf("Expected no maps left, got %d", n)
	}
	if _, err := smp.Lock(); err == nil {
		t.Error("Expected Lock to fail after the last reference was dropped")
	}
}

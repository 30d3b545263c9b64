//go:build darwin

package camera

/*
#cgo CFLAGS: -x objective-c -fobjc-arc -fmodules
#cgo LDFLAGS: -framework AVFoundation -framework CoreMedia -framework CoreVideo -framework Foundation

#import <AVFoundation/AVFoundation.h>
#import <CoreMedia/CoreMedia.h>
#import <CoreVideo/CoreVideo.h>
#include <stdint.h>
#include <stdlib.h>
#include <string.h>

extern void kameraOnSample(uintptr_t handle, void *sample);

typedef struct {
	void    *base;
	size_t   size;
	size_t   stride;
	size_t   width;
	size_t   height;
	uint32_t format;
} kamera_lock_info;

@interface KameraDelegate : NSObject<AVCaptureVideoDataOutputSampleBufferDelegate>
@property (nonatomic) uintptr_t handle;
@end

@implementation KameraDelegate
- (void)captureOutput:(AVCaptureOutput *)output
didOutputSampleBuffer:(CMSampleBufferRef)sampleBuffer
       fromConnection:(AVCaptureConnection *)connection
{
	kameraOnSample(self.handle, (void *)sampleBuffer);
}
@end

@interface KameraSession : NSObject
@property (nonatomic, strong) AVCaptureSession *session;
@property (nonatomic, strong) AVCaptureVideoDataOutput *output;
@property (nonatomic, strong) KameraDelegate *delegate;
@property (nonatomic, strong) dispatch_queue_t queue;
@end

@implementation KameraSession
@end

static NSArray<AVCaptureDevice *> *kamera_devices(void) {
	NSMutableArray *types = [NSMutableArray arrayWithObject:AVCaptureDeviceTypeBuiltInWideAngleCamera];
	if (@available(macOS 14.0, *)) {
		[types addObject:AVCaptureDeviceTypeExternal];
	} else {
		[types addObject:AVCaptureDeviceTypeExternalUnknown];
	}
	AVCaptureDeviceDiscoverySession *discovery =
		[AVCaptureDeviceDiscoverySession discoverySessionWithDeviceTypes:types
		                                                        mediaType:AVMediaTypeVideo
		                                                         position:AVCaptureDevicePositionUnspecified];
	return discovery.devices;
}

static void kamera_init(void) {
	[AVCaptureDevice requestAccessForMediaType:AVMediaTypeVideo completionHandler:^(BOOL granted) {}];
}

static int kamera_device_count(void) {
	@autoreleasepool {
		return (int)kamera_devices().count;
	}
}

static int kamera_device_info(int i, char *id, int idlen, char *label, int labellen) {
	@autoreleasepool {
		NSArray<AVCaptureDevice *> *devices = kamera_devices();
		if (i < 0 || i >= (int)devices.count) {
			return -1;
		}
		AVCaptureDevice *dev = devices[i];
		strlcpy(id, dev.uniqueID.UTF8String, idlen);
		strlcpy(label, dev.localizedName.UTF8String, labellen);
		return 0;
	}
}

static void *kamera_open(const char *uniqueID, uint32_t format, int width, int height, uintptr_t handle, int *rc) {
	@autoreleasepool {
		AVCaptureDevice *dev = [AVCaptureDevice deviceWithUniqueID:[NSString stringWithUTF8String:uniqueID]];
		if (!dev) { *rc = -1; return NULL; }

		NSError *err = nil;
		AVCaptureDeviceInput *input = [AVCaptureDeviceInput deviceInputWithDevice:dev error:&err];
		if (err || !input) { *rc = -2; return NULL; }

		AVCaptureSession *session = [[AVCaptureSession alloc] init];
		[session beginConfiguration];
		if (width == 1280 && height == 720 && [session canSetSessionPreset:AVCaptureSessionPreset1280x720]) {
			session.sessionPreset = AVCaptureSessionPreset1280x720;
		} else if (width == 640 && height == 480 && [session canSetSessionPreset:AVCaptureSessionPreset640x480]) {
			session.sessionPreset = AVCaptureSessionPreset640x480;
		}
		if (![session canAddInput:input]) { *rc = -3; return NULL; }
		[session addInput:input];

		AVCaptureVideoDataOutput *output = [[AVCaptureVideoDataOutput alloc] init];
		output.videoSettings = @{ (id)kCVPixelBufferPixelFormatTypeKey : @(format) };
		output.alwaysDiscardsLateVideoFrames = YES;

		KameraSession *ks = [KameraSession new];
		ks.delegate = [KameraDelegate new];
		ks.delegate.handle = handle;
		ks.queue = dispatch_queue_create("kamera.capture", DISPATCH_QUEUE_SERIAL);
		[output setSampleBufferDelegate:ks.delegate queue:ks.queue];

		if (![session canAddOutput:output]) { *rc = -4; return NULL; }
		[session addOutput:output];
		[session commitConfiguration];

		ks.session = session;
		ks.output = output;
		*rc = 0;
		return (__bridge_retained void *)ks;
	}
}

static void kamera_start(void *p) {
	KameraSession *ks = (__bridge KameraSession *)p;
	[ks.session startRunning];
}

// kamera_stop returns once no delegate callback is running.
static void kamera_stop(void *p) {
	KameraSession *ks = (__bridge KameraSession *)p;
	[ks.session stopRunning];
	dispatch_sync(ks.queue, ^{});
}

static void kamera_close(void *p) {
	KameraSession *ks = (__bridge_transfer KameraSession *)p;
	[ks.session stopRunning];
	[ks.output setSampleBufferDelegate:nil queue:NULL];
	dispatch_sync(ks.queue, ^{});
	ks = nil;
}

static void kamera_retain(void *sample) { CFRetain((CFTypeRef)sample); }
static void kamera_release(void *sample) { CFRelease((CFTypeRef)sample); }

static int kamera_lock(void *sample, kamera_lock_info *info) {
	CVImageBufferRef img = CMSampleBufferGetImageBuffer((CMSampleBufferRef)sample);
	if (!img) return -1;
	if (CVPixelBufferLockBaseAddress(img, kCVPixelBufferLock_ReadOnly) != kCVReturnSuccess) return -2;

	info->width = CVPixelBufferGetWidth(img);
	info->height = CVPixelBufferGetHeight(img);
	info->format = CVPixelBufferGetPixelFormatType(img);
	if (CVPixelBufferIsPlanar(img)) {
		size_t last = CVPixelBufferGetPlaneCount(img) - 1;
		uint8_t *first = CVPixelBufferGetBaseAddressOfPlane(img, 0);
		uint8_t *end = (uint8_t *)CVPixelBufferGetBaseAddressOfPlane(img, last) +
			CVPixelBufferGetBytesPerRowOfPlane(img, last) * CVPixelBufferGetHeightOfPlane(img, last);
		info->base = first;
		info->size = end - first;
		info->stride = CVPixelBufferGetBytesPerRowOfPlane(img, 0);
	} else {
		info->base = CVPixelBufferGetBaseAddress(img);
		info->stride = CVPixelBufferGetBytesPerRow(img);
		info->size = info->stride * info->height;
	}
	if (!info->base) {
		CVPixelBufferUnlockBaseAddress(img, kCVPixelBufferLock_ReadOnly);
		return -3;
	}
	return 0;
}

static void kamera_unlock(void *sample) {
	CVImageBufferRef img = CMSampleBufferGetImageBuffer((CMSampleBufferRef)sample);
	if (img) CVPixelBufferUnlockBaseAddress(img, kCVPixelBufferLock_ReadOnly);
}
*/
import "C"

import (
	"fmt"
	"log/slog"
	"runtime/cgo"
	"sync"
	"time"
	"unsafe"
)

var avfInit sync.Once

func newNativeDriver() driver { return avfDriver{} }

// avfDriver captures through an AVCaptureSession with a sample buffer
// delegate on a private dispatch queue.
type avfDriver struct{}

func (avfDriver) Name() string { return "avfoundation" }

func (avfDriver) Enumerate() ([]CameraInfo, error) {
	avfInit.Do(func() { C.kamera_init() })

	n := int(C.kamera_device_count())
	infos := make([]CameraInfo, 0, n)
	var id, label [256]C.char
	for i := 0; i < n; i++ {
		if C.kamera_device_info(C.int(i), &id[0], C.int(len(id)), &label[0], C.int(len(label))) != 0 {
			continue
		}
		infos = append(infos, CameraInfo{ID: C.GoString(&id[0]), Label: C.GoString(&label[0])})
	}
	return infos, nil
}

func (avfDriver) FrameTimeout() time.Duration { return 0 }

func (avfDriver) ThreadInit() func() { return func() {} }

func (avfDriver) Open(info CameraInfo, cfg sessionConfig, out sink) (session, error) {
	avfInit.Do(func() { C.kamera_init() })

	format := osType("BGRA")
	switch cfg.PixelFormat {
	case "", "BGRA":
	case "NV12":
		format = osType("420v")
	default:
		format = osType(cfg.PixelFormat)
	}

	s := &avfSession{out: out, log: cfg.logger()}
	s.handle = cgo.NewHandle(s)

	cid := C.CString(info.ID)
	defer C.free(unsafe.Pointer(cid))
	var rc C.int
	s.ref = C.kamera_open(cid, C.uint32_t(format), C.int(cfg.Width), C.int(cfg.Height), C.uintptr_t(s.handle), &rc)
	if s.ref == nil {
		s.handle.Delete()
		return nil, fmt.Errorf("avfoundation: cannot open %s (rc=%d)", info.Label, int(rc))
	}
	s.log.Info("AVFoundation session configured", "format", osTypeString(format))
	return s, nil
}

type avfSession struct {
	out    sink
	log    *slog.Logger
	handle cgo.Handle
	ref    unsafe.Pointer

	mu      sync.Mutex
	running bool
	closed  bool
}

func (s *avfSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.running {
		C.kamera_start(s.ref)
		s.running = true
	}
	return nil
}

func (s *avfSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		C.kamera_stop(s.ref)
		s.running = false
	}
	return nil
}

func (s *avfSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.running = false
	C.kamera_close(s.ref)
	s.ref = nil
	s.handle.Delete()
	return nil
}

// deliver runs on the session's dispatch queue.
func (s *avfSession) deliver(ref unsafe.Pointer) {
	C.kamera_retain(ref)
	smp := &avfSample{ref: ref}
	smp.init(func() { C.kamera_release(ref) })
	s.out.Push(smp)
	smp.Release()
}

// avfSample holds one CFRetain on a CMSampleBuffer.
type avfSample struct {
	refCount
	ref unsafe.Pointer
}

func (smp *avfSample) Lock() (lockedBuffer, error) {
	var info C.kamera_lock_info
	if rc := C.kamera_lock(smp.ref, &info); rc != 0 {
		return lockedBuffer{}, fmt.Errorf("avfoundation: cannot lock pixel buffer (rc=%d)", int(rc))
	}
	return lockedBuffer{
		data:   unsafe.Slice((*byte)(info.base), int(info.size)),
		stride: int(info.stride),
		width:  int(info.width),
		height: int(info.height),
		format: osTypeString(uint32(info.format)),
		unlock: func() { C.kamera_unlock(smp.ref) },
	}, nil
}

// CoreVideo pixel format types are fourccs with the first character in the
// highest byte.
func osType(s string) uint32 {
	var b [4]byte
	copy(b[:], s)
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func osTypeString(t uint32) string {
	return string([]byte{byte(t >> 24), byte(t >> 16), byte(t >> 8), byte(t)})
}

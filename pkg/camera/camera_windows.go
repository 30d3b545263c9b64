//go:build windows

package camera

/*
#cgo LDFLAGS: -lmfplat -lmf -lmfreadwrite -lmfuuid -lole32

#define COBJMACROS
#include <windows.h>
#include <mfapi.h>
#include <mfidl.h>
#include <mfreadwrite.h>
#include <mferror.h>
#include <stdint.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	IMFSourceReader *reader;
	IMFMediaSource  *source;
	uint32_t         width;
	uint32_t         height;
	int32_t          stride;
} kamera_mf;

typedef struct {
	IMFMediaBuffer *buffer;
	IMF2DBuffer    *buffer2d;
	uint8_t        *data;
	uint32_t        size;
	int32_t         pitch;
} kamera_mf_lock;

static int kamera_com_enter(void) {
	HRESULT hr = CoInitializeEx(NULL, COINIT_MULTITHREADED);
	return hr == S_OK || hr == S_FALSE;
}

static void kamera_com_leave(int entered) {
	if (entered) CoUninitialize();
}

static long kamera_mf_startup(void) {
	int entered = kamera_com_enter();
	HRESULT hr = MFStartup(MF_VERSION, MFSTARTUP_FULL);
	kamera_com_leave(entered);
	return hr;
}

static HRESULT kamera_mf_devices(IMFActivate ***devices, UINT32 *count) {
	IMFAttributes *attr = NULL;
	HRESULT hr = MFCreateAttributes(&attr, 1);
	if (FAILED(hr)) return hr;
	hr = IMFAttributes_SetGUID(attr, &MF_DEVSOURCE_ATTRIBUTE_SOURCE_TYPE, &MF_DEVSOURCE_ATTRIBUTE_SOURCE_TYPE_VIDCAP_GUID);
	if (SUCCEEDED(hr)) hr = MFEnumDeviceSources(attr, devices, count);
	IMFAttributes_Release(attr);
	return hr;
}

static void kamera_mf_free_devices(IMFActivate **devices, UINT32 count) {
	for (UINT32 i = 0; i < count; i++) IMFActivate_Release(devices[i]);
	CoTaskMemFree(devices);
}

static int kamera_mf_string(IMFActivate *dev, REFGUID key, char *out, int outlen) {
	WCHAR *w = NULL;
	UINT32 n = 0;
	if (FAILED(IMFActivate_GetAllocatedString(dev, key, &w, &n))) return -1;
	int rc = WideCharToMultiByte(CP_UTF8, 0, w, -1, out, outlen, NULL, NULL);
	CoTaskMemFree(w);
	return rc > 0 ? 0 : -1;
}

static int kamera_mf_device_count(void) {
	int entered = kamera_com_enter();
	IMFActivate **devices = NULL;
	UINT32 count = 0;
	int n = -1;
	if (SUCCEEDED(kamera_mf_devices(&devices, &count))) {
		n = (int)count;
		kamera_mf_free_devices(devices, count);
	}
	kamera_com_leave(entered);
	return n;
}

static int kamera_mf_device_info(int i, char *id, int idlen, char *label, int labellen) {
	int entered = kamera_com_enter();
	IMFActivate **devices = NULL;
	UINT32 count = 0;
	int rc = -1;
	if (SUCCEEDED(kamera_mf_devices(&devices, &count))) {
		if (i >= 0 && (UINT32)i < count &&
			kamera_mf_string(devices[i], &MF_DEVSOURCE_ATTRIBUTE_SOURCE_TYPE_VIDCAP_SYMBOLIC_LINK, id, idlen) == 0 &&
			kamera_mf_string(devices[i], &MF_DEVSOURCE_ATTRIBUTE_FRIENDLY_NAME, label, labellen) == 0) {
			rc = 0;
		}
		kamera_mf_free_devices(devices, count);
	}
	kamera_com_leave(entered);
	return rc;
}

static long kamera_mf_open(const char *link, uint32_t width, uint32_t height, uint32_t fps, kamera_mf *out) {
	int entered = kamera_com_enter();
	IMFActivate **devices = NULL;
	UINT32 count = 0;
	IMFAttributes *attr = NULL;
	IMFMediaType *type = NULL;
	HRESULT hr = kamera_mf_devices(&devices, &count);
	if (FAILED(hr)) goto done;

	hr = MF_E_NOT_FOUND;
	char buf[1024];
	for (UINT32 i = 0; i < count; i++) {
		if (kamera_mf_string(devices[i], &MF_DEVSOURCE_ATTRIBUTE_SOURCE_TYPE_VIDCAP_SYMBOLIC_LINK, buf, sizeof(buf)) == 0 &&
			strcmp(buf, link) == 0) {
			hr = IMFActivate_ActivateObject(devices[i], &IID_IMFMediaSource, (void **)&out->source);
			break;
		}
	}
	kamera_mf_free_devices(devices, count);
	if (FAILED(hr)) goto done;

	hr = MFCreateAttributes(&attr, 1);
	if (FAILED(hr)) goto done;
	IMFAttributes_SetUINT32(attr, &MF_SOURCE_READER_ENABLE_VIDEO_PROCESSING, TRUE);
	hr = MFCreateSourceReaderFromMediaSource(out->source, attr, &out->reader);
	if (FAILED(hr)) goto done;

	hr = MFCreateMediaType(&type);
	if (FAILED(hr)) goto done;
	IMFMediaType_SetGUID(type, &MF_MT_MAJOR_TYPE, &MFMediaType_Video);
	IMFMediaType_SetGUID(type, &MF_MT_SUBTYPE, &MFVideoFormat_RGB32);
	if (width > 0 && height > 0) {
		IMFMediaType_SetUINT64(type, &MF_MT_FRAME_SIZE, ((UINT64)width << 32) | height);
		IMFMediaType_SetUINT32(type, &MF_MT_DEFAULT_STRIDE, width * 4);
	}
	if (fps > 0) {
		IMFMediaType_SetUINT64(type, &MF_MT_FRAME_RATE, ((UINT64)fps << 32) | 1);
	}
	hr = IMFSourceReader_SetCurrentMediaType(out->reader, (DWORD)MF_SOURCE_READER_FIRST_VIDEO_STREAM, NULL, type);
	IMFMediaType_Release(type);
	type = NULL;
	if (FAILED(hr)) goto done;

	hr = IMFSourceReader_GetCurrentMediaType(out->reader, (DWORD)MF_SOURCE_READER_FIRST_VIDEO_STREAM, &type);
	if (FAILED(hr)) goto done;
	UINT64 size = 0;
	IMFMediaType_GetUINT64(type, &MF_MT_FRAME_SIZE, &size);
	out->width = (uint32_t)(size >> 32);
	out->height = (uint32_t)size;
	UINT32 stride = 0;
	if (FAILED(IMFMediaType_GetUINT32(type, &MF_MT_DEFAULT_STRIDE, &stride))) {
		stride = out->width * 4;
	}
	out->stride = (int32_t)stride;

done:
	if (type) IMFMediaType_Release(type);
	if (attr) IMFAttributes_Release(attr);
	if (FAILED(hr)) {
		if (out->reader) { IMFSourceReader_Release(out->reader); out->reader = NULL; }
		if (out->source) {
			IMFMediaSource_Shutdown(out->source);
			IMFMediaSource_Release(out->source);
			out->source = NULL;
		}
	}
	kamera_com_leave(entered);
	return hr;
}

// kamera_mf_read blocks until the reader produces a sample, a gap or an error.
// *sample is NULL for a stream tick.
static long kamera_mf_read(kamera_mf *mf, void **sample, uint32_t *flags) {
	DWORD stream = 0, f = 0;
	LONGLONG ts = 0;
	IMFSample *s = NULL;
	HRESULT hr = IMFSourceReader_ReadSample(mf->reader, (DWORD)MF_SOURCE_READER_FIRST_VIDEO_STREAM, 0, &stream, &f, &ts, &s);
	*sample = s;
	*flags = f;
	return hr;
}

static int kamera_mf_flag_error(uint32_t flags) {
	return (flags & MF_SOURCE_READERF_ERROR) != 0;
}

static int kamera_mf_flag_eos(uint32_t flags) {
	return (flags & MF_SOURCE_READERF_ENDOFSTREAM) != 0;
}

static void kamera_mf_close(kamera_mf *mf) {
	if (mf->reader) { IMFSourceReader_Release(mf->reader); mf->reader = NULL; }
	if (mf->source) {
		IMFMediaSource_Shutdown(mf->source);
		IMFMediaSource_Release(mf->source);
		mf->source = NULL;
	}
}

static void kamera_mf_release_sample(void *s) { IMFSample_Release((IMFSample *)s); }

static long kamera_mf_lock_sample(void *s, kamera_mf_lock *out) {
	HRESULT hr = IMFSample_ConvertToContiguousBuffer((IMFSample *)s, &out->buffer);
	if (FAILED(hr)) return hr;

	if (SUCCEEDED(IMFMediaBuffer_QueryInterface(out->buffer, &IID_IMF2DBuffer, (void **)&out->buffer2d))) {
		BYTE *scan0 = NULL;
		LONG pitch = 0;
		hr = IMF2DBuffer_Lock2D(out->buffer2d, &scan0, &pitch);
		if (SUCCEEDED(hr)) {
			out->data = scan0;
			out->pitch = pitch;
			return S_OK;
		}
		IMF2DBuffer_Release(out->buffer2d);
		out->buffer2d = NULL;
	}

	BYTE *data = NULL;
	DWORD max = 0, cur = 0;
	hr = IMFMediaBuffer_Lock(out->buffer, &data, &max, &cur);
	if (FAILED(hr)) {
		IMFMediaBuffer_Release(out->buffer);
		out->buffer = NULL;
		return hr;
	}
	out->data = data;
	out->size = cur;
	return S_OK;
}

static void kamera_mf_unlock_sample(kamera_mf_lock *l) {
	if (l->buffer2d) {
		IMF2DBuffer_Unlock2D(l->buffer2d);
		IMF2DBuffer_Release(l->buffer2d);
	} else if (l->buffer) {
		IMFMediaBuffer_Unlock(l->buffer);
	}
	if (l->buffer) IMFMediaBuffer_Release(l->buffer);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"
)

// Media Foundation cameras can go quiet without reporting an error.
const mfFrameTimeout = 3 * time.Second

var (
	mfStartup    sync.Once
	mfStartupErr error
)

func startMediaFoundation() error {
	mfStartup.Do(func() {
		if hr := C.kamera_mf_startup(); hr < 0 {
			mfStartupErr = fmt.Errorf("MFStartup failed: %w", hresult(hr))
		}
	})
	return mfStartupErr
}

// hresult is a failed Media Foundation call.
type hresult C.long

func (hr hresult) Error() string { return fmt.Sprintf("HRESULT 0x%08X", uint32(hr)) }

func newNativeDriver() driver { return mfDriver{} }

// mfDriver reads RGB32 samples from a synchronous IMFSourceReader.
type mfDriver struct{}

func (mfDriver) Name() string { return "mediafoundation" }

func (mfDriver) Enumerate() ([]CameraInfo, error) {
	if err := startMediaFoundation(); err != nil {
		return nil, err
	}
	n := int(C.kamera_mf_device_count())
	if n < 0 {
		return nil, errors.New("mediafoundation: device enumeration failed")
	}
	infos := make([]CameraInfo, 0, n)
	var id [1024]C.char
	var label [256]C.char
	for i := 0; i < n; i++ {
		if C.kamera_mf_device_info(C.int(i), &id[0], C.int(len(id)), &label[0], C.int(len(label))) != 0 {
			continue
		}
		infos = append(infos, CameraInfo{ID: C.GoString(&id[0]), Label: C.GoString(&label[0])})
	}
	return infos, nil
}

func (mfDriver) FrameTimeout() time.Duration { return mfFrameTimeout }

// ThreadInit joins the calling thread to the multithreaded apartment.
func (mfDriver) ThreadInit() func() {
	entered := C.kamera_com_enter()
	return func() { C.kamera_com_leave(entered) }
}

func (mfDriver) Open(info CameraInfo, cfg sessionConfig, out sink) (session, error) {
	if err := startMediaFoundation(); err != nil {
		return nil, err
	}
	if cfg.PixelFormat != "" && cfg.PixelFormat != "BGRA" {
		return nil, fmt.Errorf("mediafoundation backend cannot deliver %s", cfg.PixelFormat)
	}

	link := C.CString(info.ID)
	defer C.free(unsafe.Pointer(link))
	s := &mfSession{out: out, log: cfg.logger()}
	if hr := C.kamera_mf_open(link, C.uint32_t(cfg.Width), C.uint32_t(cfg.Height), C.uint32_t(cfg.FPS), &s.mf); hr < 0 {
		return nil, fmt.Errorf("mediafoundation: cannot open %s: %w", info.Label, hresult(hr))
	}
	if s.mf.stride < 0 {
		C.kamera_mf_close(&s.mf)
		return nil, fmt.Errorf("mediafoundation: %s delivers bottom-up frames", info.Label)
	}
	s.log.Info("Media Foundation reader configured",
		"width", int(s.mf.width),
		"height", int(s.mf.height),
		"stride", int(s.mf.stride),
	)
	return s, nil
}

type mfSession struct {
	mf  C.kamera_mf
	out sink
	log *slog.Logger

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func (s *mfSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
	return nil
}

func (s *mfSession) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	entered := C.kamera_com_enter()
	defer C.kamera_com_leave(entered)

	for {
		select {
		case <-stop:
			return
		default:
		}

		var ref unsafe.Pointer
		var flags C.uint32_t
		if hr := C.kamera_mf_read(&s.mf, &ref, &flags); hr < 0 {
			s.out.Fail(fmt.Errorf("ReadSample failed: %w", hresult(hr)))
			return
		}
		if C.kamera_mf_flag_error(flags) != 0 {
			s.out.Fail(errors.New("mediafoundation: stream error"))
			return
		}
		if C.kamera_mf_flag_eos(flags) != 0 {
			s.out.Fail(errors.New("mediafoundation: end of stream"))
			return
		}
		if ref == nil {
			continue
		}

		smp := &mfSample{ref: ref, width: int(s.mf.width), height: int(s.mf.height)}
		smp.init(func() { C.kamera_mf_release_sample(ref) })
		s.out.Push(smp)
		smp.Release()
	}
}

// Stop stops reading. The reader keeps the device open until Close.
func (s *mfSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil
	return nil
}

func (s *mfSession) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	C.kamera_mf_close(&s.mf)
	return nil
}

// mfSample owns one reference on an IMFSample.
type mfSample struct {
	refCount
	ref           unsafe.Pointer
	width, height int
}

func (smp *mfSample) Lock() (lockedBuffer, error) {
	l := (*C.kamera_mf_lock)(C.calloc(1, C.size_t(unsafe.Sizeof(C.kamera_mf_lock{}))))
	if hr := C.kamera_mf_lock_sample(smp.ref, l); hr < 0 {
		C.free(unsafe.Pointer(l))
		return lockedBuffer{}, fmt.Errorf("failed to lock media buffer: %w", hresult(hr))
	}

	stride := smp.width * 4
	size := int(l.size)
	if l.buffer2d != nil {
		if l.pitch < 0 {
			C.kamera_mf_unlock_sample(l)
			C.free(unsafe.Pointer(l))
			return lockedBuffer{}, errors.New("mediafoundation: bottom-up buffer")
		}
		stride = int(l.pitch)
		size = stride * smp.height
	}
	return lockedBuffer{
		data:   unsafe.Slice((*byte)(unsafe.Pointer(l.data)), size),
		stride: stride,
		width:  smp.width,
		height: smp.height,
		format: "BGRA",
		unlock: func() {
			C.kamera_mf_unlock_sample(l)
			C.free(unsafe.Pointer(l))
		},
	}, nil
}

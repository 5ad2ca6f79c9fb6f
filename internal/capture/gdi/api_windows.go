//go:build windows

package gdi

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32 = windows.NewLazySystemDLL("user32.dll")
	gdi32  = windows.NewLazySystemDLL("gdi32.dll")

	procGetDC            = user32.NewProc("GetDC")
	procGetWindowDC      = user32.NewProc("GetWindowDC")
	procReleaseDC        = user32.NewProc("ReleaseDC")
	procGetWindowRect    = user32.NewProc("GetWindowRect")
	procGetSystemMetrics = user32.NewProc("GetSystemMetrics")
	procGetWindowTextW   = user32.NewProc("GetWindowTextW")

	procCreateCompatibleDC     = gdi32.NewProc("CreateCompatibleDC")
	procDeleteDC               = gdi32.NewProc("DeleteDC")
	procCreateDIBSection       = gdi32.NewProc("CreateDIBSection")
	procCreateCompatibleBitmap = gdi32.NewProc("CreateCompatibleBitmap")
	procSelectObject           = gdi32.NewProc("SelectObject")
	procDeleteObject           = gdi32.NewProc("DeleteObject")
	procBitBlt                 = gdi32.NewProc("BitBlt")
	procGetDIBits              = gdi32.NewProc("GetDIBits")
	procGdiFlush               = gdi32.NewProc("GdiFlush")
	procGetDeviceCaps          = gdi32.NewProc("GetDeviceCaps")
)

const (
	smCXScreen = 0
	smCYScreen = 1

	biRGB       = 0
	dibRGBColor = 0

	srcCopy    = 0x00CC0020
	captureBlt = 0x40000000

	bitsPixel = 12
)

// bitmapInfoHeader is BITMAPINFOHEADER.
type bitmapInfoHeader struct {
	Size          uint32
	Width         int32
	Height        int32
	Planes        uint16
	BitCount      uint16
	Compression   uint32
	SizeImage     uint32
	XPelsPerMeter int32
	YPelsPerMeter int32
	ClrUsed       uint32
	ClrImportant  uint32
}

// bitmapInfo is BITMAPINFO with no colour table.
type bitmapInfo struct {
	Header bitmapInfoHeader
	Colors [1]uint32
}

// topDown32 describes a top-down 32bpp BGRX bitmap of w by h pixels.
func topDown32(w, h int) bitmapInfo {
	var bi bitmapInfo
	bi.Header = bitmapInfoHeader{
		Size:        uint32(unsafe.Sizeof(bi.Header)),
		Width:       int32(w),
		Height:      -int32(h),
		Planes:      1,
		BitCount:    32,
		Compression: biRGB,
	}
	return bi
}

func getDC(hwnd windows.HWND) (windows.Handle, error) {
	r, _, err := procGetDC.Call(uintptr(hwnd))
	if r == 0 {
		return 0, err
	}
	return windows.Handle(r), nil
}

func getWindowDC(hwnd windows.HWND) (windows.Handle, error) {
	r, _, err := procGetWindowDC.Call(uintptr(hwnd))
	if r == 0 {
		return 0, err
	}
	return windows.Handle(r), nil
}

func releaseDC(hwnd windows.HWND, dc windows.Handle) {
	procReleaseDC.Call(uintptr(hwnd), uintptr(dc))
}

func getWindowRect(hwnd windows.HWND) (windows.Rect, error) {
	var r windows.Rect
	ok, _, err := procGetWindowRect.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&r)))
	if ok == 0 {
		return r, err
	}
	return r, nil
}

func getSystemMetrics(index int) int {
	r, _, _ := procGetSystemMetrics.Call(uintptr(index))
	return int(int32(r))
}

func getDeviceCaps(dc windows.Handle, index int) int {
	r, _, _ := procGetDeviceCaps.Call(uintptr(dc), uintptr(index))
	return int(int32(r))
}

func windowText(hwnd windows.HWND) string {
	buf := make([]uint16, 256)
	n, _, _ := procGetWindowTextW.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	return windows.UTF16ToString(buf[:n])
}

func createCompatibleDC(dc windows.Handle) (windows.Handle, error) {
	r, _, err := procCreateCompatibleDC.Call(uintptr(dc))
	if r == 0 {
		return 0, err
	}
	return windows.Handle(r), nil
}

func deleteDC(dc windows.Handle) {
	procDeleteDC.Call(uintptr(dc))
}

func selectObject(dc, obj windows.Handle) windows.Handle {
	r, _, _ := procSelectObject.Call(uintptr(dc), uintptr(obj))
	return windows.Handle(r)
}

func deleteObject(obj windows.Handle) {
	procDeleteObject.Call(uintptr(obj))
}

func bitBlt(dst windows.Handle, dx, dy, w, h int, src windows.Handle, sx, sy int) error {
	ok, _, err := procBitBlt.Call(uintptr(dst), uintptr(dx), uintptr(dy), uintptr(w), uintptr(h),
		uintptr(src), uintptr(sx), uintptr(sy), srcCopy|captureBlt)
	if ok == 0 {
		return err
	}
	return nil
}

func gdiFlush() {
	procGdiFlush.Call()
}

// errno extracts the Win32 error number from a LazyProc error.
func errno(err error) uint32 {
	if e, ok := err.(windows.Errno); ok {
		return uint32(e)
	}
	return 0
}

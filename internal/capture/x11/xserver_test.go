package x11

import (
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/shmgrab/internal/display"
	"github.com/bryanchriswhite/shmgrab/internal/fault"
)

const (
	testRoot      = xproto.Window(0x100)
	testVisual    = xproto.Visualid(0x21)
	testShmOpcode = 130
	testNetActive = xproto.Atom(0x150)

	testScreenWidth  = 64
	testScreenHeight = 32
)

// testWindow is a window known to testServer. x and y are its position on
// the screen.
type testWindow struct {
	x, y          int16
	width, height uint16
	mapState      byte
	class         uint16
}

// testServer speaks just enough of the X11 wire protocol for the resolver
// and transport. Windows live in one flat map; the root is added by
// startTestServer.
type testServer struct {
	windows   map[xproto.Window]testWindow
	focus     xproto.Window
	netActive xproto.Window
	shm       bool
	// silent reads every request and never answers.
	silent bool
	// shortImage answers GetImage with one pixel less than requested.
	shortImage bool

	// attach and detach map SysV segments on the server side of the
	// MIT-SHM path. Without attach every ShmAttach fails with BadAccess.
	attach func(shmid uint32) ([]byte, error)
	detach func(data []byte)

	conn net.Conn

	mu       sync.Mutex
	counts   map[byte]int
	segments map[uint32][]byte
}

// requests returns how many requests with major opcode op were read.
func (s *testServer) requests(op byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

type testDialer struct{ conn *Conn }

func (d testDialer) Dial(string) (display.Conn, error) { return d.conn, nil }

func (testDialer) NewBridge(conn display.Conn, deliver func(error)) fault.Bridge {
	return Dialer{}.NewBridge(conn, deliver)
}

func (testDialer) Platform() string { return "x11" }

// startTestServer connects an xgb client to s over an in-memory pipe and
// opens a display handle on it.
func startTestServer(t *testing.T, s *testServer) *display.Handle {
	t.Helper()
	t.Setenv("XAUTHORITY", filepath.Join(t.TempDir(), "missing"))

	if s.windows == nil {
		s.windows = make(map[xproto.Window]testWindow)
	}
	s.windows[testRoot] = testWindow{
		width:    testScreenWidth,
		height:   testScreenHeight,
		mapState: xproto.MapStateViewable,
		class:    xproto.WindowClassInputOutput,
	}
	s.counts = make(map[byte]int)
	s.segments = make(map[uint32][]byte)

	client, server := net.Pipe()
	s.conn = server
	go func() {
		if err := s.handshake(); err != nil {
			return
		}
		s.serve()
	}()

	xc, err := xgb.NewConnNet(client)
	if err != nil {
		t.Fatalf("NewConnNet: %v", err)
	}
	setup := xproto.Setup(xc)
	conn := &Conn{X: xc, Setup: setup, Screen: setup.DefaultScreen(xc)}

	mgr := display.NewManager(testDialer{conn: conn}, display.WithDispatcher(fault.NewDispatcher()))
	h, err := mgr.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// closing xgb waits for a round trip, which a silent server never gives
	if !s.silent {
		t.Cleanup(func() { mgr.Close() })
	}
	return h
}

func testSetup() []byte {
	vendor := "shmgrab test"
	setup := xproto.SetupInfo{
		Status:                   1,
		ProtocolMajorVersion:     11,
		ResourceIdBase:           0x200000,
		ResourceIdMask:           0x1fffff,
		VendorLen:                uint16(len(vendor)),
		MaximumRequestLength:     0xffff,
		RootsLen:                 1,
		PixmapFormatsLen:         1,
		ImageByteOrder:           xproto.ImageOrderLSBFirst,
		BitmapFormatBitOrder:     xproto.ImageOrderLSBFirst,
		BitmapFormatScanlineUnit: 32,
		BitmapFormatScanlinePad:  32,
		MinKeycode:               8,
		MaxKeycode:               255,
		Vendor:                   vendor,
		PixmapFormats:            []xproto.Format{{Depth: 24, BitsPerPixel: 32, ScanlinePad: 32}},
		Roots: []xproto.ScreenInfo{{
			Root:             testRoot,
			WidthInPixels:    testScreenWidth,
			HeightInPixels:   testScreenHeight,
			RootVisual:       testVisual,
			RootDepth:        24,
			AllowedDepthsLen: 1,
			AllowedDepths: []xproto.DepthInfo{{
				Depth:      24,
				VisualsLen: 1,
				Visuals: []xproto.VisualInfo{{
					VisualId:        testVisual,
					Class:           xproto.VisualClassTrueColor,
					BitsPerRgbValue: 8,
					ColormapEntries: 256,
					RedMask:         0xff0000,
					GreenMask:       0x00ff00,
					BlueMask:        0x0000ff,
				}},
			}},
		}},
	}
	buf := setup.Bytes()
	xgb.Put16(buf[6:], uint16((len(buf)-8)/4))
	return buf
}

func (s *testServer) handshake() error {
	head := make([]byte, 12)
	if _, err := io.ReadFull(s.conn, head); err != nil {
		return err
	}
	auth := xgb.Pad(int(xgb.Get16(head[6:]))) + xgb.Pad(int(xgb.Get16(head[8:])))
	if _, err := io.ReadFull(s.conn, make([]byte, auth)); err != nil {
		return err
	}
	_, err := s.conn.Write(testSetup())
	return err
}

func (s *testServer) serve() {
	var seq uint16
	for {
		head := make([]byte, 4)
		if _, err := io.ReadFull(s.conn, head); err != nil {
			return
		}
		req := make([]byte, int(xgb.Get16(head[2:]))*4)
		copy(req, head)
		if _, err := io.ReadFull(s.conn, req[4:]); err != nil {
			return
		}
		seq++

		s.mu.Lock()
		s.counts[req[0]]++
		s.mu.Unlock()

		if s.silent {
			continue
		}
		if out := s.handle(seq, req); out != nil {
			if _, err := s.conn.Write(out); err != nil {
				return
			}
		}
	}
}

func (s *testServer) handle(seq uint16, req []byte) []byte {
	switch req[0] {
	case 3: // GetWindowAttributes
		win := xproto.Window(xgb.Get32(req[4:]))
		w, ok := s.windows[win]
		if !ok {
			return xError(xproto.BadWindow, seq, uint32(win), req[0])
		}
		r := xReply(seq, 44)
		xgb.Put32(r[8:], uint32(testVisual))
		xgb.Put16(r[12:], w.class)
		r[26] = w.mapState
		return r

	case 14: // GetGeometry
		d := xgb.Get32(req[4:])
		w, ok := s.windows[xproto.Window(d)]
		if !ok {
			return xError(xproto.BadDrawable, seq, d, req[0])
		}
		r := xReply(seq, 32)
		r[1] = 24
		xgb.Put32(r[8:], uint32(testRoot))
		xgb.Put16(r[16:], w.width)
		xgb.Put16(r[18:], w.height)
		return r

	case 16: // InternAtom
		r := xReply(seq, 32)
		if s.netActive != 0 {
			xgb.Put32(r[8:], uint32(testNetActive))
		}
		return r

	case 20: // GetProperty
		r := xReply(seq, 36)
		r[1] = 32
		xgb.Put32(r[8:], uint32(xproto.AtomWindow))
		xgb.Put32(r[16:], 1)
		xgb.Put32(r[32:], uint32(s.netActive))
		return r

	case 40: // TranslateCoordinates
		win := xproto.Window(xgb.Get32(req[4:]))
		w, ok := s.windows[win]
		if !ok {
			return xError(xproto.BadWindow, seq, uint32(win), req[0])
		}
		r := xReply(seq, 32)
		r[1] = 1
		xgb.Put16(r[12:], uint16(w.x))
		xgb.Put16(r[14:], uint16(w.y))
		return r

	case 43: // GetInputFocus
		r := xReply(seq, 32)
		xgb.Put32(r[8:], uint32(s.focus))
		return r

	case 73: // GetImage
		width, height := int(xgb.Get16(req[12:])), int(xgb.Get16(req[14:]))
		size := width * height * 4
		if s.shortImage {
			size -= 4
		}
		r := xReply(seq, 32+size)
		r[1] = 24
		xgb.Put32(r[8:], uint32(testVisual))
		fillPattern(r[32:])
		return r

	case 98: // QueryExtension
		n := int(xgb.Get16(req[4:]))
		r := xReply(seq, 32)
		if s.shm && string(req[8:8+n]) == "MIT-SHM" {
			r[8] = 1
			r[9] = testShmOpcode
			r[10] = 65
			r[11] = 128
		}
		return r

	case testShmOpcode:
		return s.handleShm(seq, req)
	}
	return nil
}

func (s *testServer) handleShm(seq uint16, req []byte) []byte {
	switch req[1] {
	case 0: // QueryVersion
		r := xReply(seq, 32)
		xgb.Put16(r[8:], 1)
		xgb.Put16(r[10:], 2)
		return r

	case 1: // Attach
		seg, shmid := xgb.Get32(req[4:]), xgb.Get32(req[8:])
		if s.attach == nil {
			return xError(xproto.BadAccess, seq, seg, req[0])
		}
		data, err := s.attach(shmid)
		if err != nil {
			return xError(xproto.BadAccess, seq, seg, req[0])
		}
		s.mu.Lock()
		s.segments[seg] = data
		s.mu.Unlock()
		return nil

	case 2: // Detach
		seg := xgb.Get32(req[4:])
		s.mu.Lock()
		data := s.segments[seg]
		delete(s.segments, seg)
		s.mu.Unlock()
		if data != nil && s.detach != nil {
			s.detach(data)
		}
		return nil

	case 4: // GetImage
		width, height := int(xgb.Get16(req[12:])), int(xgb.Get16(req[14:]))
		seg, offset := xgb.Get32(req[24:]), int(xgb.Get32(req[28:]))
		size := width * height * 4
		s.mu.Lock()
		data := s.segments[seg]
		s.mu.Unlock()
		if data == nil {
			return xError(xproto.BadValue, seq, seg, req[0])
		}
		fillPattern(data[offset : offset+size])
		r := xReply(seq, 32)
		r[1] = 24
		xgb.Put32(r[8:], uint32(testVisual))
		xgb.Put32(r[12:], uint32(size))
		return r
	}
	return nil
}

func xReply(seq uint16, size int) []byte {
	r := make([]byte, size)
	r[0] = 1
	xgb.Put16(r[2:], seq)
	xgb.Put32(r[4:], uint32((size-32)/4))
	return r
}

func xError(code byte, seq uint16, bad uint32, major byte) []byte {
	r := make([]byte, 32)
	r[1] = code
	xgb.Put16(r[2:], seq)
	xgb.Put32(r[4:], bad)
	r[10] = major
	return r
}

func fillPattern(b []byte) {
	for i := range b {
		b[i] = byte(i)
	}
}

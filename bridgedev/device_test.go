package bridgedev

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/oxplot/go-i2cbridge"
	"github.com/oxplot/go-i2cbridge/bridgedriver"
	"github.com/oxplot/go-i2cbridge/bridgedriver/bridgetest"
)

const testURL = "ftdi://ftdi:232h/1"

func testConfig(addr i2cbridge.Addr) i2cbridge.Config {
	return i2cbridge.NewConfig(testURL, 100*physic.KiloHertz).WithAddress(addr)
}

// ---------------------------------------------------------------------------
// mockBridge / mockHandle
// ---------------------------------------------------------------------------

type mockBridge struct{ mock.Mock }

func (b *mockBridge) Open(url string, f physic.Frequency) (bridgedriver.Handle, error) {
	ret := b.Called(url, f)
	var h bridgedriver.Handle
	if ret.Get(0) != nil {
		h = ret.Get(0).(bridgedriver.Handle)
	}
	return h, ret.Error(1)
}

type mockHandle struct{ mock.Mock }

func (h *mockHandle) Port(addr uint16) (bridgedriver.Port, error) {
	ret := h.Called(addr)
	var p bridgedriver.Port
	if ret.Get(0) != nil {
		p = ret.Get(0).(bridgedriver.Port)
	}
	return p, ret.Error(1)
}

func (h *mockHandle) Close() error { return h.Called().Error(0) }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestOpenClose(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, testConfig(0x68))

	assert.False(t, d.IsOpen())
	require.NoError(t, d.Open())
	assert.True(t, d.IsOpen())
	assert.Equal(t, []string{testURL}, b.URLs())
	assert.Equal(t, []physic.Frequency{100 * physic.KiloHertz}, b.Frequencies())

	require.NoError(t, d.Close())
	assert.False(t, d.IsOpen())
	assert.Equal(t, 0, b.OpenHandles())
}

func TestOpenIdempotent(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, testConfig(0x68))

	require.NoError(t, d.Open())
	require.NoError(t, d.Open())
	assert.Equal(t, 1, b.Opens())
	assert.Equal(t, 1, b.OpenHandles())
}

func TestCloseIdempotent(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, testConfig(0x68))

	assert.NoError(t, d.Close())
	require.NoError(t, d.Open())
	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close())
	assert.Equal(t, 1, b.Closes())
}

func TestCloseSwallowsBridgeFailure(t *testing.T) {
	b := bridgetest.New(0x68)
	b.FailClose(errors.New("usb gone"))
	d := New(b, testConfig(0x68))

	require.NoError(t, d.Open())
	assert.NoError(t, d.Close())
	assert.False(t, d.IsOpen())

	_, err := d.Read(0, 1, 0)
	assert.ErrorIs(t, err, i2cbridge.ErrNotOpen)
}

func TestReopen(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, testConfig(0x68))

	require.NoError(t, d.Open())
	require.NoError(t, d.Close())
	require.NoError(t, d.Open())
	assert.Equal(t, 2, b.Opens())
	assert.True(t, d.IsOpen())
}

func TestOpenWithoutAddress(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, i2cbridge.NewConfig(testURL, 100*physic.KiloHertz))

	err := d.Open()
	require.ErrorIs(t, err, i2cbridge.ErrNoAddress)
	assert.False(t, d.IsOpen())
	assert.Equal(t, 0, b.Opens(), "hardware must not be contacted")
}

func TestOpenWithoutBridge(t *testing.T) {
	d := New(nil, testConfig(0x68))

	require.ErrorIs(t, d.Open(), i2cbridge.ErrTransportUnavailable)
	assert.False(t, d.IsOpen())
}

func TestOpenInvalidConfig(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, i2cbridge.NewConfig(testURL, 0).WithAddress(0x68))

	require.Error(t, d.Open())
	assert.False(t, d.IsOpen())
	assert.Equal(t, 0, b.Opens())
}

func TestOpenFailureLeavesClosed(t *testing.T) {
	b := bridgetest.New(0x68)
	failure := errors.New("configure failed")
	b.FailOpen(failure)
	d := New(b, testConfig(0x68))

	require.ErrorIs(t, d.Open(), failure)
	assert.False(t, d.IsOpen())

	// Detect must behave as if the device was never opened: it tries a
	// transient open of its own, which fails the same way.
	assert.False(t, d.Detect())
	assert.False(t, d.IsOpen())

	b.FailOpen(nil)
	assert.True(t, d.Detect())
	assert.False(t, d.IsOpen())
	assert.Equal(t, 0, b.OpenHandles())
}

func TestOpenPortFailureReleasesHandle(t *testing.T) {
	h := &mockHandle{}
	h.On("Port", uint16(0x68)).Return(nil, errors.New("bad port")).Once()
	h.On("Close").Return(errors.New("close also failed")).Once()
	b := &mockBridge{}
	b.On("Open", testURL, 100*physic.KiloHertz).Return(h, nil).Once()

	d := New(b, testConfig(0x68))
	require.EqualError(t, d.Open(), "bad port")
	assert.False(t, d.IsOpen())

	b.AssertExpectations(t)
	h.AssertExpectations(t)
}

func TestWithOpen(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, testConfig(0x68))

	failure := errors.New("caller failed")
	err := i2cbridge.WithOpen(d, func(dev i2cbridge.Device) error {
		require.NoError(t, dev.Write(0x00, []byte{0x12}))
		return failure
	})
	require.ErrorIs(t, err, failure)
	assert.False(t, d.IsOpen())
	assert.Equal(t, 0, b.OpenHandles())

	assert.Panics(t, func() {
		_ = i2cbridge.WithOpen(d, func(i2cbridge.Device) error { panic("boom") })
	})
	assert.False(t, d.IsOpen())
	assert.Equal(t, 0, b.OpenHandles())
}

// ---------------------------------------------------------------------------
// I/O
// ---------------------------------------------------------------------------

func TestIONotOpen(t *testing.T) {
	d := New(bridgetest.New(0x68), testConfig(0x68))

	assert.ErrorIs(t, d.Write(0, []byte{1}), i2cbridge.ErrNotOpen)
	_, err := d.Read(0, 1, 0)
	assert.ErrorIs(t, err, i2cbridge.ErrNotOpen)
	_, err = d.WriteThenRead([]byte{0}, 1)
	assert.ErrorIs(t, err, i2cbridge.ErrNotOpen)
	_, err = d.Scan()
	assert.ErrorIs(t, err, i2cbridge.ErrNotOpen)
}

func TestWritePrefixesRegister(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, testConfig(0x68))
	require.NoError(t, d.Open())

	require.NoError(t, d.Write(0x02, []byte{0x12, 0x34}))

	ops := b.Ops()
	require.Len(t, ops, 1)
	assert.Equal(t, "write", ops[0].Kind)
	assert.Equal(t, uint16(0x68), ops[0].Addr)
	assert.Equal(t, []byte{0x02, 0x12, 0x34}, ops[0].W)
	assert.Equal(t, []byte{0, 0, 0x12, 0x34}, b.Registers(0x68))
}

func TestReadUsesExchange(t *testing.T) {
	b := bridgetest.New(0x68)
	b.SetRegisters(0x68, []byte{0x10, 0x20, 0x30, 0x40})
	d := New(b, testConfig(0x68))
	require.NoError(t, d.Open())

	got, err := d.Read(0x01, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x20, 0x30}, got)

	ops := b.Ops()
	require.Len(t, ops, 1)
	assert.Equal(t, "exchange", ops[0].Kind)
	assert.Equal(t, []byte{0x01}, ops[0].W)
	assert.Equal(t, 2, ops[0].N)
}

func TestReadWithoutExchange(t *testing.T) {
	b := bridgetest.New(0x68).WithoutExchange()
	b.SetRegisters(0x68, []byte{0x10, 0x20, 0x30, 0x40})
	d := New(b, testConfig(0x68))
	require.NoError(t, d.Open())

	got, err := d.Read(0x02, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x40}, got)

	ops := b.Ops()
	require.Len(t, ops, 2)
	assert.Equal(t, "write", ops[0].Kind)
	assert.Equal(t, []byte{0x02}, ops[0].W)
	assert.Equal(t, "read", ops[1].Kind)
	assert.Equal(t, 2, ops[1].N)
}

func TestReadTimeoutHandedToPort(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, testConfig(0x68))
	require.NoError(t, d.Open())

	_, err := d.Read(0x00, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, b.Timeouts())

	_, err = d.Read(0x00, 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 0}, b.Timeouts())
}

// timeoutPort fails to restore the default read timeout.
type timeoutPort struct {
	bridgedriver.Port
	set      []time.Duration
	resetErr error
}

func (p *timeoutPort) SetReadTimeout(d time.Duration) error {
	p.set = append(p.set, d)
	if d == 0 {
		return p.resetErr
	}
	return nil
}

func TestReadTimeoutResetFailureLogged(t *testing.T) {
	var buf bytes.Buffer
	i2cbridge.SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer i2cbridge.SetLogger(nil)

	sim, err := bridgetest.New(0x68).Open(testURL, 100*physic.KiloHertz)
	require.NoError(t, err)
	inner, err := sim.Port(0x68)
	require.NoError(t, err)
	p := &timeoutPort{Port: inner, resetErr: errors.New("d2xx: timeout not set")}

	h := &mockHandle{}
	h.On("Port", uint16(0x68)).Return(p, nil)
	h.On("Close").Return(nil)
	b := &mockBridge{}
	b.On("Open", testURL, 100*physic.KiloHertz).Return(h, nil)

	d := New(b, testConfig(0x68))
	require.NoError(t, d.Open())
	got, err := d.Read(0x00, 1, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 0}, p.set)
	assert.Contains(t, buf.String(), "reset read timeout")
	assert.Contains(t, buf.String(), "d2xx: timeout not set")
}

func TestReadNegativeLength(t *testing.T) {
	d := New(bridgetest.New(0x68), testConfig(0x68))
	require.NoError(t, d.Open())

	_, err := d.Read(0, -1, 0)
	assert.Error(t, err)
	_, err = d.WriteThenRead(nil, -1)
	assert.Error(t, err)
}

func TestWriteThenRead(t *testing.T) {
	for _, exchange := range []bool{true, false} {
		b := bridgetest.New(0x50)
		if !exchange {
			b.WithoutExchange()
		}
		b.SetRegisters(0x50, []byte{0xAA, 0xBB, 0xCC})
		d := New(b, testConfig(0x50))
		require.NoError(t, d.Open())

		got, err := d.WriteThenRead([]byte{0x01}, 2)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xBB, 0xCC}, got, "exchange=%v", exchange)
	}
}

func TestTransportErrorsPropagate(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, testConfig(0x68))
	require.NoError(t, d.Open())

	b.SetPresent(0x68, false)
	err := d.Write(0x00, nil)
	require.ErrorIs(t, err, i2cbridge.ErrNack)
	var te *i2cbridge.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, i2cbridge.Addr(0x68), te.Addr)

	failure := errors.New("usb timeout")
	b.SetPresent(0x68, true)
	b.FailRead(failure)
	_, err = d.Read(0x00, 1, 0)
	assert.Same(t, failure, err)
	_, err = d.WriteThenRead([]byte{0}, 1)
	assert.Same(t, failure, err)
	assert.True(t, d.IsOpen(), "I/O errors must not close the device")
}

// ---------------------------------------------------------------------------
// Reconfiguration
// ---------------------------------------------------------------------------

func TestSetBusSpeedSameFrequency(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, testConfig(0x68))
	require.NoError(t, d.Open())

	require.NoError(t, d.SetBusSpeed(100*physic.KiloHertz))
	assert.Equal(t, 1, b.Opens())
	assert.Equal(t, 0, b.Closes())
}

func TestSetBusSpeedReopens(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, testConfig(0x68))
	require.NoError(t, d.Open())

	require.NoError(t, d.SetBusSpeed(400*physic.KiloHertz))
	assert.Equal(t, 2, b.Opens())
	assert.Equal(t, 1, b.Closes())
	assert.Equal(t, []physic.Frequency{100 * physic.KiloHertz, 400 * physic.KiloHertz}, b.Frequencies())
	assert.True(t, d.IsOpen())
	assert.Equal(t, 400*physic.KiloHertz, d.Config().Frequency)
}

func TestSetBusSpeedClosed(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, testConfig(0x68))

	require.NoError(t, d.SetBusSpeed(400*physic.KiloHertz))
	assert.Equal(t, 0, b.Opens())
	assert.False(t, d.IsOpen())

	require.NoError(t, d.Open())
	assert.Equal(t, []physic.Frequency{400 * physic.KiloHertz}, b.Frequencies())
}

func TestSetBusSpeedReopenFailure(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, testConfig(0x68))
	require.NoError(t, d.Open())

	failure := errors.New("unsupported clock")
	b.FailOpen(failure)
	require.ErrorIs(t, d.SetBusSpeed(3400*physic.KiloHertz), failure)
	assert.False(t, d.IsOpen())
	assert.Equal(t, 0, b.OpenHandles())

	err := d.Write(0, nil)
	assert.ErrorIs(t, err, i2cbridge.ErrNotOpen)
}

func TestConfigRoundTrip(t *testing.T) {
	d := New(bridgetest.New(0x68), testConfig(0x68))

	cfg := i2cbridge.NewConfig("ftdi://::FT1234/1", 400*physic.KiloHertz).WithAddress(0x42)
	require.NoError(t, d.SetConfig(cfg))

	got := d.Config()
	assert.True(t, got.Equal(cfg))
	require.NotNil(t, got.Address)
	assert.NotSame(t, cfg.Address, got.Address)

	got.SetAddress(0x10)
	*got.Address = 0x11
	got.URL = "changed"
	a, ok := d.Config().Addr()
	require.True(t, ok)
	assert.Equal(t, i2cbridge.Addr(0x42), a)
	assert.Equal(t, "ftdi://::FT1234/1", d.Config().URL)

	// Mutating the caller's value after SetConfig must not leak in either.
	*cfg.Address = 0x33
	a, _ = d.Config().Addr()
	assert.Equal(t, i2cbridge.Addr(0x42), a)
}

func TestSetConfigClosesDevice(t *testing.T) {
	b := bridgetest.New(0x68, 0x42)
	d := New(b, testConfig(0x68))
	require.NoError(t, d.Open())

	require.NoError(t, d.SetConfig(testConfig(0x42)))
	assert.False(t, d.IsOpen())
	assert.Equal(t, 1, b.Closes())

	require.NoError(t, d.Open())
	require.NoError(t, d.Write(0x00, nil))
	assert.Equal(t, uint16(0x42), b.Ops()[0].Addr)
}

// ---------------------------------------------------------------------------
// Detect
// ---------------------------------------------------------------------------

func TestDetectTransientOpen(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, testConfig(0x68))

	assert.True(t, d.Detect())
	assert.False(t, d.IsOpen())
	assert.Equal(t, 1, b.Opens())
	assert.Equal(t, 1, b.Closes())

	b.SetPresent(0x68, false)
	assert.False(t, d.Detect())
	assert.False(t, d.IsOpen())
	assert.Equal(t, 0, b.OpenHandles())
}

func TestDetectOpenDeviceStaysOpen(t *testing.T) {
	b := bridgetest.New(0x68)
	d := New(b, testConfig(0x68))
	require.NoError(t, d.Open())

	assert.True(t, d.Detect())
	assert.True(t, d.IsOpen())
	assert.Equal(t, 1, b.Opens())
}

func TestDetectReadFallback(t *testing.T) {
	b := bridgetest.New(0x68)
	b.FailWrite(errors.New("write only NACKs on this part"))
	d := New(b, testConfig(0x68))

	assert.True(t, d.Detect())
	ops := b.Ops()
	require.Len(t, ops, 2)
	assert.Equal(t, "write", ops[0].Kind)
	assert.Equal(t, "read", ops[1].Kind)
	assert.Equal(t, 1, ops[1].N)

	b.FailRead(errors.New("read fails too"))
	assert.False(t, d.Detect())
	assert.False(t, d.IsOpen())
}

func TestDetectWithoutAddress(t *testing.T) {
	d := New(bridgetest.New(0x68), i2cbridge.NewConfig(testURL, 100*physic.KiloHertz))
	assert.False(t, d.Detect())
	assert.False(t, New(nil, testConfig(0x68)).Detect())
}

type panicPort struct{}

func (panicPort) Write([]byte) error { panic("driver bug") }
func (panicPort) Read([]byte) error  { panic("driver bug") }

func TestDetectRecoversPanic(t *testing.T) {
	h := &mockHandle{}
	h.On("Port", uint16(0x68)).Return(panicPort{}, nil)
	h.On("Close").Return(nil)
	b := &mockBridge{}
	b.On("Open", testURL, 100*physic.KiloHertz).Return(h, nil)

	d := New(b, testConfig(0x68))
	assert.False(t, d.Detect())
	assert.False(t, d.IsOpen())
	h.AssertNumberOfCalls(t, "Close", 1)
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentOperationsDoNotOverlap(t *testing.T) {
	b := bridgetest.New(0x10, 0x68)
	b.SetDelay(50 * time.Microsecond)
	b.SetRegisters(0x68, make([]byte, 16))
	d := New(b, testConfig(0x68))
	require.NoError(t, d.Open())

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if err := d.Write(uint8(i), []byte{byte(j)}); err != nil {
					errs <- err
				}
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := d.Read(0x00, 4, 0); err != nil {
					errs <- err
				}
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := d.Scan(); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	prev, next, overlap := b.Overlapping()
	assert.False(t, overlap, "%+v overlaps %+v", prev, next)
	assert.Greater(t, len(b.Ops()), 8*10)
}

func TestSetBusSpeedNeverExposesClosed(t *testing.T) {
	b := bridgetest.New(0x68)
	b.SetRegisters(0x68, []byte{0x01})
	d := New(b, testConfig(0x68))
	require.NoError(t, d.Open())

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			f := 100 * physic.KiloHertz
			if i%2 == 0 {
				f = 400 * physic.KiloHertz
			}
			if err := d.SetBusSpeed(f); err != nil {
				errs <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if _, err := d.Read(0x00, 1, 0); err != nil {
				errs <- err
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 21, b.Opens())
}

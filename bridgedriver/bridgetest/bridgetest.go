// Package bridgetest provides a simulated bridge for testing code built on
// package bridgedriver.
//
// The simulated bus acknowledges a configurable set of addresses and reports
// i2cbridge.ErrNack for every other one. Every bus operation is recorded with
// its start and end time so tests can assert that operations never overlap.
package bridgetest

import (
	"errors"
	"sort"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/oxplot/go-i2cbridge"
	"github.com/oxplot/go-i2cbridge/bridgedriver"
)

// ErrClosed is returned by ports whose handle was closed.
var ErrClosed = errors.New("bridgetest: handle closed")

// Op is one recorded bus operation.
type Op struct {
	Kind  string // "write", "read" or "exchange"
	Addr  uint16
	W     []byte
	N     int
	Start time.Time
	End   time.Time
}

// Bridge is a simulated bridge. The zero value is not usable, use New.
type Bridge struct {
	mu sync.Mutex

	present    map[uint16]bool
	regs       map[uint16][]byte
	ptr        map[uint16]int
	noExchange bool
	delay      time.Duration

	openErr, portErr, closeErr, writeErr, readErr error

	opens    int
	closes   int
	handles  int // currently open
	freqs    []physic.Frequency
	urls     []string
	timeouts []time.Duration
	ops      []Op
}

// New returns a bridge whose bus acknowledges the given addresses.
func New(present ...uint16) *Bridge {
	b := &Bridge{
		present: map[uint16]bool{},
		regs:    map[uint16][]byte{},
		ptr:     map[uint16]int{},
	}
	for _, a := range present {
		b.present[a] = true
	}
	return b
}

// WithoutExchange makes subsequently bound ports lack the combined
// write-then-read capability.
func (b *Bridge) WithoutExchange() *Bridge {
	b.mu.Lock()
	b.noExchange = true
	b.mu.Unlock()
	return b
}

// SetDelay sets how long every bus operation takes.
func (b *Bridge) SetDelay(d time.Duration) {
	b.mu.Lock()
	b.delay = d
	b.mu.Unlock()
}

// SetRegisters sets the register file of the peripheral at addr. Reads return
// bytes starting at the register selected by the first byte of the last write.
func (b *Bridge) SetRegisters(addr uint16, regs []byte) {
	b.mu.Lock()
	b.regs[addr] = append([]byte(nil), regs...)
	b.mu.Unlock()
}

// Registers returns a copy of the register file of the peripheral at addr.
func (b *Bridge) Registers(addr uint16) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.regs[addr]...)
}

// SetPresent adds or removes addr from the set of acknowledging addresses.
func (b *Bridge) SetPresent(addr uint16, present bool) {
	b.mu.Lock()
	b.present[addr] = present
	b.mu.Unlock()
}

// FailOpen makes Open return err. Nil clears the failure.
func (b *Bridge) FailOpen(err error) { b.set(&b.openErr, err) }

// FailPort makes Handle.Port return err.
func (b *Bridge) FailPort(err error) { b.set(&b.portErr, err) }

// FailClose makes Handle.Close return err. The handle is still released.
func (b *Bridge) FailClose(err error) { b.set(&b.closeErr, err) }

// FailWrite makes every write and exchange return err.
func (b *Bridge) FailWrite(err error) { b.set(&b.writeErr, err) }

// FailRead makes every read and exchange return err.
func (b *Bridge) FailRead(err error) { b.set(&b.readErr, err) }

func (b *Bridge) set(dst *error, err error) {
	b.mu.Lock()
	*dst = err
	b.mu.Unlock()
}

// Opens returns the number of successful Open calls.
func (b *Bridge) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// Closes returns the number of Close calls on open handles.
func (b *Bridge) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

// OpenHandles returns the number of handles currently open.
func (b *Bridge) OpenHandles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles
}

// Frequencies returns the frequency passed to each Open call, in order.
func (b *Bridge) Frequencies() []physic.Frequency {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]physic.Frequency(nil), b.freqs...)
}

// URLs returns the url passed to each Open call, in order.
func (b *Bridge) URLs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.urls...)
}

// Timeouts returns every read timeout set on a port, in order.
func (b *Bridge) Timeouts() []time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Duration(nil), b.timeouts...)
}

// Ops returns the recorded bus operations in start order.
func (b *Bridge) Ops() []Op {
	b.mu.Lock()
	ops := append([]Op(nil), b.ops...)
	b.mu.Unlock()
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Start.Before(ops[j].Start) })
	return ops
}

// Overlapping returns the first pair of recorded operations whose time spans
// overlap, or false if every operation ran on its own.
func (b *Bridge) Overlapping() (Op, Op, bool) {
	ops := b.Ops()
	for i := 1; i < len(ops); i++ {
		if ops[i].Start.Before(ops[i-1].End) {
			return ops[i-1], ops[i], true
		}
	}
	return Op{}, Op{}, false
}

// Open implements bridgedriver.Bridge.
func (b *Bridge) Open(url string, f physic.Frequency) (bridgedriver.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.urls = append(b.urls, url)
	b.freqs = append(b.freqs, f)
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.opens++
	b.handles++
	return &handle{b: b}, nil
}

type handle struct {
	b      *Bridge
	closed bool
}

func (h *handle) Port(addr uint16) (bridgedriver.Port, error) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if h.b.portErr != nil {
		return nil, h.b.portErr
	}
	p := &port{h: h, addr: addr}
	if h.b.noExchange {
		return p, nil
	}
	return &exchangePort{p}, nil
}

func (h *handle) Close() error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.b.closes++
	h.b.handles--
	return h.b.closeErr
}

type port struct {
	h    *handle
	addr uint16
}

// begin checks the port can talk on the bus and returns the bridge state to
// use for the operation. It must be paired with end.
func (p *port) begin() (*Bridge, time.Time, error) {
	b := p.h.b
	b.mu.Lock()
	closed, delay := p.h.closed, b.delay
	b.mu.Unlock()
	if closed {
		return b, time.Time{}, ErrClosed
	}
	start := time.Now()
	if delay > 0 {
		time.Sleep(delay)
	}
	return b, start, nil
}

func (p *port) end(op Op) {
	b := p.h.b
	op.Addr = p.addr
	op.End = time.Now()
	b.mu.Lock()
	b.ops = append(b.ops, op)
	b.mu.Unlock()
}

func (p *port) nack(op string) error {
	return &i2cbridge.TransportError{Op: op, Addr: i2cbridge.Addr(p.addr), Err: i2cbridge.ErrNack}
}

func (p *port) Write(w []byte) error {
	b, start, err := p.begin()
	if err != nil {
		return err
	}
	defer p.end(Op{Kind: "write", W: append([]byte(nil), w...), Start: start})

	b.mu.Lock()
	defer b.mu.Unlock()
	return p.writeLocked(w)
}

func (p *port) writeLocked(w []byte) error {
	b := p.h.b
	if b.writeErr != nil {
		return b.writeErr
	}
	if !b.present[p.addr] {
		return p.nack("write")
	}
	if len(w) == 0 {
		return nil
	}
	reg := int(w[0])
	b.ptr[p.addr] = reg
	data := w[1:]
	if len(data) > 0 {
		regs := b.regs[p.addr]
		if need := reg + len(data); need > len(regs) {
			regs = append(regs, make([]byte, need-len(regs))...)
		}
		copy(regs[reg:], data)
		b.regs[p.addr] = regs
	}
	return nil
}

func (p *port) Read(r []byte) error {
	b, start, err := p.begin()
	if err != nil {
		return err
	}
	defer p.end(Op{Kind: "read", N: len(r), Start: start})

	b.mu.Lock()
	defer b.mu.Unlock()
	return p.readLocked(r)
}

func (p *port) readLocked(r []byte) error {
	b := p.h.b
	if b.readErr != nil {
		return b.readErr
	}
	if !b.present[p.addr] {
		return p.nack("read")
	}
	regs := b.regs[p.addr]
	ptr := b.ptr[p.addr]
	for i := range r {
		if ptr+i < len(regs) {
			r[i] = regs[ptr+i]
		} else {
			r[i] = 0
		}
	}
	return nil
}

func (p *port) SetReadTimeout(d time.Duration) error {
	b := p.h.b
	b.mu.Lock()
	b.timeouts = append(b.timeouts, d)
	b.mu.Unlock()
	return nil
}

type exchangePort struct {
	*port
}

func (p *exchangePort) Exchange(w, r []byte) error {
	b, start, err := p.begin()
	if err != nil {
		return err
	}
	defer p.end(Op{Kind: "exchange", W: append([]byte(nil), w...), N: len(r), Start: start})

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := p.writeLocked(w); err != nil {
		return err
	}
	return p.readLocked(r)
}

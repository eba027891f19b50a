package candevice

import (
	"context"
	"testing"
	"time"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"
)

func newTestBus(t *testing.T) (*Bus, *MemorySocket, *MemorySocket) {
	t.Helper()
	tx, rx := NewMemorySocket(), NewMemorySocket()
	b := NewBus(tx, rx, 5*time.Millisecond, logging.NewTestLogger(t))
	t.Cleanup(func() {
		test.That(t, b.Close(), test.ShouldBeNil)
	})
	return b, tx, rx
}

func countID(frames []canbus.Frame, id uint32) int {
	var n int
	for _, f := range frames {
		if f.ID == id {
			n++
		}
	}
	return n
}

func TestBusPeriodic(t *testing.T) {
	b, tx, _ := newTestBus(t)

	frame := canbus.Frame{ID: 0x201, Data: []byte{1, 2, 3}, Kind: canbus.SFF}
	test.That(t, b.SetCommand(frame), test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, countID(tx.Sent(), 0x201), test.ShouldBeGreaterThanOrEqualTo, 3)
	})

	// a newer command replaces the old one
	test.That(t, b.SetCommand(canbus.Frame{ID: 0x201, Data: []byte{9}, Kind: canbus.SFF}), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		last, ok := tx.LastSent(0x201)
		test.That(tb, ok, test.ShouldBeTrue)
		test.That(tb, last.Data, test.ShouldResemble, []byte{9})
	})
}

func TestBusSendOnce(t *testing.T) {
	b, tx, _ := newTestBus(t)

	frame := canbus.Frame{ID: 0x301, Data: []byte{2}, Kind: canbus.SFF}
	test.That(t, b.SendOnce(context.Background(), frame), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, countID(tx.Sent(), 0x301), test.ShouldEqual, 1)
	})

	// one-shot frames are never repeated
	time.Sleep(20 * time.Millisecond)
	test.That(t, countID(tx.Sent(), 0x301), test.ShouldEqual, 1)
}

func TestBusReceive(t *testing.T) {
	b, _, rx := newTestBus(t)

	_, ok := b.Latest(0x401)
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, rx.Deliver(canbus.Frame{ID: 0x401, Data: []byte{1}}), test.ShouldBeNil)
	test.That(t, rx.Deliver(canbus.Frame{ID: 0x401, Data: []byte{2}}), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		status, ok := b.Latest(0x401)
		test.That(tb, ok, test.ShouldBeTrue)
		test.That(tb, status.Data, test.ShouldResemble, []byte{2})
		test.That(tb, time.Since(status.Received), test.ShouldBeLessThan, time.Second)
	})
}

func TestBusSendErrors(t *testing.T) {
	b, tx, _ := newTestBus(t)
	tx.SetSendError(errors.New("no buffer space"))
	test.That(t, b.SetCommand(canbus.Frame{ID: 0x202, Data: []byte{0}}), test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		_, txErrors := b.Errors()
		test.That(tb, txErrors, test.ShouldBeGreaterThan, 0)
	})
	tx.SetSendError(nil)
}

func TestBusClose(t *testing.T) {
	tx, rx := NewMemorySocket(), NewMemorySocket()
	b := NewBus(tx, rx, 5*time.Millisecond, logging.NewTestLogger(t))

	test.That(t, b.Close(), test.ShouldBeNil)
	test.That(t, b.Close(), test.ShouldBeNil)

	test.That(t, errors.Is(b.SetCommand(canbus.Frame{ID: 1}), ErrClosed), test.ShouldBeTrue)
	test.That(t, errors.Is(b.SendOnce(context.Background(), canbus.Frame{ID: 1}), ErrClosed), test.ShouldBeTrue)
	_, err := tx.Send(canbus.Frame{ID: 1})
	test.That(t, err, test.ShouldNotBeNil)
}

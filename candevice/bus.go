// Package candevice talks to the drivetrain's motor controllers and absolute
// encoders over SocketCAN.
package candevice

import (
	"context"
	"sync"
	"time"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"
	"golang.org/x/sys/unix"
)

// DefaultPeriod is how often periodic command frames are republished.
const DefaultPeriod = 10 * time.Millisecond

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("can bus closed")

// Socket is a raw CAN socket. *canbus.Socket satisfies it.
type Socket interface {
	Send(frame canbus.Frame) (int, error)
	Recv() (canbus.Frame, error)
	Close() error
}

// Status is the latest frame received for an id.
type Status struct {
	Data     []byte
	Received time.Time
}

// Bus owns a send and a receive socket. Periodic command frames are resent
// every period so controllers keep a live heartbeat; one-shot frames are sent
// as soon as possible. Received frames are cached by id.
type Bus struct {
	tx, rx Socket
	period time.Duration
	logger logging.Logger

	nextCommandCh chan canbus.Frame

	mu       sync.Mutex
	periodic map[uint32]canbus.Frame
	order    []uint32
	latest   map[uint32]Status
	rxErrors int
	txErrors int

	cancelCtx               context.Context
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
	closeOnce               sync.Once
}

// Open binds a send and a receive socket to channel. The receive socket only
// delivers the given status ids.
func Open(channel string, statusIDs []uint32, period time.Duration, logger logging.Logger) (*Bus, error) {
	socketSend, err := canbus.New()
	if err != nil {
		return nil, err
	}
	if err := socketSend.Bind(channel); err != nil {
		return nil, errors.Wrapf(err, "binding send socket to %s", channel)
	}

	socketRecv, err := canbus.New()
	if err != nil {
		socketSend.Close()
		return nil, err
	}
	filters := make([]unix.CanFilter, 0, len(statusIDs))
	for _, id := range statusIDs {
		filters = append(filters, unix.CanFilter{Id: id, Mask: unix.CAN_SFF_MASK})
	}
	if err := socketRecv.SetFilters(filters); err != nil {
		socketSend.Close()
		socketRecv.Close()
		return nil, errors.Wrap(err, "setting receive filters")
	}
	if err := socketRecv.Bind(channel); err != nil {
		socketSend.Close()
		socketRecv.Close()
		return nil, errors.Wrapf(err, "binding receive socket to %s", channel)
	}

	return NewBus(socketSend, socketRecv, period, logger), nil
}

// NewBus starts the publish and receive threads over already opened sockets.
func NewBus(tx, rx Socket, period time.Duration, logger logging.Logger) *Bus {
	if period <= 0 {
		period = DefaultPeriod
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		tx:            tx,
		rx:            rx,
		period:        period,
		logger:        logger,
		nextCommandCh: make(chan canbus.Frame, 16),
		periodic:      map[uint32]canbus.Frame{},
		latest:        map[uint32]Status{},
		cancelCtx:     cancelCtx,
		cancel:        cancel,
	}

	b.activeBackgroundWorkers.Add(2)
	viamutils.ManagedGo(func() {
		b.publishThread(cancelCtx)
	}, b.activeBackgroundWorkers.Done)
	viamutils.ManagedGo(func() {
		b.receiveThread(cancelCtx)
	}, b.activeBackgroundWorkers.Done)
	return b
}

// SetCommand replaces the periodic frame for frame.ID. It never blocks on the
// socket.
func (b *Bus) SetCommand(frame canbus.Frame) error {
	if b.cancelCtx.Err() != nil {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.periodic[frame.ID]; !ok {
		b.order = append(b.order, frame.ID)
	}
	b.periodic[frame.ID] = frame
	return nil
}

// SendOnce queues a frame to be sent a single time.
func (b *Bus) SendOnce(ctx context.Context, frame canbus.Frame) error {
	if b.cancelCtx.Err() != nil {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.cancelCtx.Done():
		return ErrClosed
	case b.nextCommandCh <- frame:
	}
	return nil
}

// Latest returns the last frame received with id.
func (b *Bus) Latest(id uint32) (Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.latest[id]
	return s, ok
}

// Period returns how often periodic frames are resent.
func (b *Bus) Period() time.Duration {
	return b.period
}

// Errors returns the number of receive and send errors so far.
func (b *Bus) Errors() (rx, tx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rxErrors, b.txErrors
}

// Close stops both threads and closes the sockets.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		// unblocks Recv
		err = b.rx.Close()
		b.activeBackgroundWorkers.Wait()
		if txErr := b.tx.Close(); err == nil {
			err = txErr
		}
	})
	return err
}

// publishThread resends the periodic frames every period and forwards one-shot
// frames as they arrive.
func (b *Bus) publishThread(ctx context.Context) {
	ticker := time.NewTicker(b.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-b.nextCommandCh:
			b.send(frame)
		case <-ticker.C:
			for _, frame := range b.periodicFrames() {
				b.send(frame)
			}
		}
	}
}

func (b *Bus) periodicFrames() []canbus.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := make([]canbus.Frame, 0, len(b.order))
	for _, id := range b.order {
		frames = append(frames, b.periodic[id])
	}
	return frames
}

func (b *Bus) send(frame canbus.Frame) {
	if _, err := b.tx.Send(frame); err != nil {
		b.mu.Lock()
		b.txErrors++
		b.mu.Unlock()
		b.logger.Errorw("CAN Tx error", "id", frame.ID, "error", err)
	}
}

// receiveThread caches every received frame by id.
func (b *Bus) receiveThread(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := b.rx.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.mu.Lock()
			b.rxErrors++
			b.mu.Unlock()
			b.logger.Errorw("CAN Rx error", "error", err)
			if !viamutils.SelectContextOrWait(ctx, b.period) {
				return
			}
			continue
		}

		data := make([]byte, len(frame.Data))
		copy(data, frame.Data)
		b.mu.Lock()
		b.latest[frame.ID] = Status{Data: data, Received: time.Now()}
		b.mu.Unlock()
	}
}

package safety

import (
	"github.com/streamspace/relaycore/internal/logger"
	"github.com/streamspace/relaycore/internal/store"
)

// BackpressureLimits bounds the outbound FIFO per socket.
type BackpressureLimits struct {
	MaxQueueSize      int
	MaxQueueOverflows int
}

// Sender drives a single socket's bounded FIFO outbound queue: sends are
// enqueued, then drained single-flight, preserving FIFO order. On
// overflow past MaxQueueOverflows the socket is closed (slow consumer).
type Sender struct {
	limits BackpressureLimits
}

func NewSender(limits BackpressureLimits) *Sender {
	return &Sender{limits: limits}
}

// Send enqueues a frame send for socket via its backpressure record and
// kicks off draining if nothing else is already draining it. When the queue
// is full the frame is dropped and onPersistFailure is invoked; once the
// socket's overflow count reaches MaxQueueOverflows it is also closed.
func (s *Sender) Send(sock *store.SocketState, bp *store.BackpressureState, payload interface{}, onPersistFailure func()) {
	log := logger.Safety()

	ok := bp.Enqueue(func() error {
		return sock.Send(payload)
	}, s.limits.MaxQueueSize)
	if !ok {
		if onPersistFailure != nil {
			onPersistFailure()
		}
		if bp.QueueOverflows() >= s.limits.MaxQueueOverflows {
			log.Warn().Str("connectionId", sock.ConnectionID).Msg("closing socket after repeated queue overflow")
			_ = sock.Close(1008, "slow consumer")
		}
		return
	}
	s.drain(sock, bp)
}

func (s *Sender) drain(sock *store.SocketState, bp *store.BackpressureState) {
	if !bp.TryStartProcessing() {
		return
	}
	defer bp.StopProcessing()
	for {
		next := bp.Dequeue()
		if next == nil {
			return
		}
		if err := next(); err != nil {
			logger.Safety().Warn().Str("connectionId", sock.ConnectionID).Err(err).Msg("outbound send failed")
		}
	}
}

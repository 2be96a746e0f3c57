package dispatch

import (
	"context"

	"github.com/tidemill/tidemill/internal/logger"
	"go.uber.org/zap"
)

// DefaultPumpCapacity bounds the event queue. Feed bursts beyond this are
// dropped with a warning rather than blocking the socket reader.
const DefaultPumpCapacity = 4096

// Pump serializes events from any number of producer goroutines onto the
// single dispatcher goroutine, so store and book mutations never race.
type Pump struct {
	events     chan []byte
	dispatcher *Dispatcher
	log        *logger.Logger
}

// NewPump creates a pump with the given queue capacity (0 uses the default).
func NewPump(capacity int, dispatcher *Dispatcher, log *logger.Logger) *Pump {
	if capacity <= 0 {
		capacity = DefaultPumpCapacity
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Pump{
		events:     make(chan []byte, capacity),
		dispatcher: dispatcher,
		log:        log,
	}
}

// Push enqueues one raw event. It never blocks; when the queue is full the
// event is dropped and false is returned.
func (p *Pump) Push(raw []byte) bool {
	select {
	case p.events <- raw:
		return true
	default:
		p.log.Warn("event queue full, dropping event", zap.Int("capacity", cap(p.events)))

		return false
	}
}

// Run applies queued events in arrival order until the context is
// cancelled, then drains whatever is still queued before returning.
func (p *Pump) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case raw := <-p.events:
					p.dispatcher.OnEvent(raw)
				default:
					return ctx.Err()
				}
			}
		case raw := <-p.events:
			p.dispatcher.OnEvent(raw)
		}
	}
}

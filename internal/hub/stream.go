package hub

import (
	"sync"

	"pricesettle/internal/price"
)

const defaultStreamBuffer = 16

// Stream adapts a subscription to a channel. When the reader lags the oldest
// queued sample is dropped. cancel unsubscribes and closes the channel.
func (h *Hub) Stream(sym string, buffer int) (<-chan price.Sample, func(), error) {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	ch := make(chan price.Sample, buffer)

	var (
		mu     sync.Mutex
		closed bool
	)
	unsubscribe, err := h.Subscribe(sym, func(s price.Sample) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		for {
			select {
			case ch <- s:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	})
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, cancel, nil
}

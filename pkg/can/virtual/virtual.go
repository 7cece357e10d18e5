package virtual

import (
	"errors"
	"sync"

	j1939 "github.com/samsamfire/goj1939"
)

// Virtual CAN bus implementation, in memory, primarily used for
// testing. All clients connected to the same named channel see each
// others frames. Delivery is asynchronous through a per client
// buffered queue, a listener may therefore send frames from inside
// its Handle callback without deadlocking.

func init() {
	j1939.RegisterInterface("virtual", NewVirtualCanBus)
	j1939.RegisterInterface("virtualcan", NewVirtualCanBus)
}

const rxQueueSize = 512

var (
	hubsMu sync.Mutex
	hubs   = make(map[string]*hub)
)

// A hub fans every sent frame out to all clients of one channel
type hub struct {
	mu      sync.Mutex
	clients []*Bus
}

func hubForChannel(channel string) *hub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	h, ok := hubs[channel]
	if !ok {
		h = &hub{}
		hubs[channel] = h
	}
	return h
}

func (h *hub) attach(client *Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients = append(h.clients, client)
}

func (h *hub) detach(client *Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, other := range h.clients {
		if other == client {
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			return
		}
	}
}

func (h *hub) broadcast(sender *Bus, frame j1939.Frame) {
	h.mu.Lock()
	clients := append([]*Bus(nil), h.clients...)
	h.mu.Unlock()
	for _, client := range clients {
		if client == sender && !sender.receiveOwn {
			continue
		}
		client.enqueue(frame)
	}
}

type Bus struct {
	mu           sync.Mutex
	channel      string
	hub          *hub
	receiveOwn   bool
	framehandler j1939.FrameListener
	rx           chan j1939.Frame
	stopChan     chan struct{}
	wg           sync.WaitGroup
	isRunning    bool
	connected    bool
}

func NewVirtualCanBus(channel string) (j1939.Bus, error) {
	return &Bus{channel: channel, rx: make(chan j1939.Frame, rxQueueSize)}, nil
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.hub = hubForChannel(b.channel)
	b.hub.attach(b)
	b.connected = true
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	b.hub.detach(b)
	running := b.isRunning
	b.mu.Unlock()
	if running {
		close(b.stopChan)
		b.wg.Wait()
	}
	return nil
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame j1939.Frame) error {
	b.mu.Lock()
	connected := b.connected
	h := b.hub
	b.mu.Unlock()
	if !connected {
		return errors.New("error : not connected, abort send")
	}
	h.broadcast(b, frame)
	return nil
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(framehandler j1939.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	if b.isRunning {
		return nil
	}
	b.isRunning = true
	b.stopChan = make(chan struct{})
	// Start go routine that drains the receive queue and passes
	// frames to the framehandler
	b.wg.Add(1)
	go b.handleReception()
	return nil
}

func (b *Bus) enqueue(frame j1939.Frame) {
	select {
	case b.rx <- frame:
	default:
		// Queue full, frame dropped like a real controller overflow
	}
}

// Handle incoming traffic
func (b *Bus) handleReception() {
	defer func() {
		b.mu.Lock()
		b.isRunning = false
		b.mu.Unlock()
		b.wg.Done()
	}()
	for {
		select {
		case <-b.stopChan:
			return
		case frame := <-b.rx:
			b.mu.Lock()
			framehandler := b.framehandler
			b.mu.Unlock()
			if framehandler != nil {
				framehandler.Handle(frame)
			}
		}
	}
}

// SetReceiveOwn enables local reception of frames sent by this client
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}

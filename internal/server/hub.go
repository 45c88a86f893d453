// Package server coordinates client registration, history replay, message
// persistence and broadcast, and connection cleanup via the Hub type.
package server

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/Tyrowin/relaychat/internal/history"
	"github.com/Tyrowin/relaychat/internal/logging"
)

type joinRequest struct {
	client *Client
	done   chan struct{}
}

type inboundMessage struct {
	sender *Client
	text   string
}

// Hub owns the registry of active clients. A single Run goroutine processes
// joins and broadcasts in arrival order, so a joining client's replay snapshot
// and its registry insertion happen with no broadcast in between, and
// persistence order equals delivery order for every client.
//
// The registry itself is guarded by mutex so that Leave, snapshots and
// inserts are atomic with respect to each other from any goroutine.
type Hub struct {
	store history.Store
	cfg   BroadcastConfig
	log   zerolog.Logger

	// members is the registry in join order; connected tracks every client
	// handed to Serve, named or not, so shutdown can reach all of them.
	members   []*Client
	connected map[*Client]struct{}
	mutex     sync.RWMutex

	register  chan joinRequest
	broadcast chan inboundMessage

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a Hub that persists to store. The returned Hub does nothing
// until Run is started.
func NewHub(store history.Store, cfg BroadcastConfig, logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Hub{
		store:     store,
		cfg:       cfg,
		log:       logger.With().Str(logging.FieldComponent, "hub").Logger(),
		connected: make(map[*Client]struct{}),
		register:  make(chan joinRequest),
		broadcast: make(chan inboundMessage, max(cfg.InboundBuffer, 0)),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Run starts the hub's main event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case req := <-h.register:
			h.handleJoin(req)

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

// Serve takes ownership of a freshly upgraded client and starts its read
// loop. The client is not in the registry until it has sent its name.
func (h *Hub) Serve(c *Client) error {
	if c == nil {
		return errors.New("nil client")
	}

	h.mutex.Lock()
	if h.ctx.Err() != nil {
		h.mutex.Unlock()
		return ErrHubClosed
	}
	h.connected[c] = struct{}{}
	h.wg.Add(1)
	h.mutex.Unlock()

	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
	return nil
}

// Join inserts a named client into the registry and queues the replay of
// recent history for it. It returns once both are done.
func (h *Hub) Join(c *Client) error {
	req := joinRequest{client: c, done: make(chan struct{})}
	select {
	case h.register <- req:
	case <-h.ctx.Done():
		return ErrHubClosed
	}

	select {
	case <-req.done:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// Submit queues text from c for persistence and broadcast. Eligibility is
// decided here: once queued, the message is stored and fanned out even if c
// leaves before the hub gets to it.
func (h *Hub) Submit(c *Client, text string) error {
	if h.ctx.Err() != nil {
		return ErrHubClosed
	}
	if c == nil || c.State() != StateActive {
		return ErrNotActive
	}
	select {
	case h.broadcast <- inboundMessage{sender: c, text: text}:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// Leave removes c from the registry. Removing an absent client is a no-op;
// the result reports whether c was present.
func (h *Hub) Leave(c *Client) bool {
	h.mutex.Lock()
	removed := h.removeMemberLocked(c)
	count := len(h.members)
	h.mutex.Unlock()

	if removed {
		h.log.Info().Str(logging.FieldClientID, c.ID()).Str(logging.FieldName, c.Name()).
			Int(logging.FieldClients, count).Msg("client left")
	}
	return removed
}

// release forgets c entirely; called once from Client.close.
func (h *Hub) release(c *Client) {
	h.mutex.Lock()
	delete(h.connected, c)
	h.mutex.Unlock()
	h.Leave(c)
}

func (h *Hub) removeMemberLocked(c *Client) bool {
	idx := lo.IndexOf(h.members, c)
	if idx < 0 {
		return false
	}
	h.members = slices.Delete(h.members, idx, idx+1)
	return true
}

// ClientCount returns the number of clients in the registry.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.members)
}

func (h *Hub) handleJoin(req joinRequest) {
	defer close(req.done)
	c := req.client
	if c == nil {
		h.log.Warn().Msg("received nil client registration; skipping")
		return
	}

	// Activation happens under the lock that close() must also take, so a
	// client closed concurrently is either never inserted or removed by
	// close right after.
	h.mutex.Lock()
	if !c.activate() {
		h.mutex.Unlock()
		h.log.Debug().Str(logging.FieldClientID, c.ID()).Str("state", c.State().String()).
			Msg("join ignored for client that is not named")
		return
	}
	h.members = append(h.members, c)
	// Clients joined without Serve must still be reachable by shutdown.
	h.connected[c] = struct{}{}
	count := len(h.members)
	h.mutex.Unlock()

	h.log.Info().Str(logging.FieldClientID, c.ID()).Str(logging.FieldName, c.Name()).
		Str(logging.FieldRemoteAddr, c.addr).Int(logging.FieldClients, count).Msg("client joined")

	h.replay(c)
}

func (h *Hub) replay(c *Client) {
	if h.cfg.ReplayLimit <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.StoreTimeout)
	defer cancel()

	msgs, err := h.store.Recent(ctx, h.cfg.ReplayLimit)
	if err != nil {
		h.log.Error().Err(err).Str(logging.FieldClientID, c.ID()).Msg("history replay failed; client joins without history")
		return
	}

	lines := lo.Map(msgs, func(m history.Message, _ int) []byte {
		return []byte(m.Line())
	})
	for _, line := range lines {
		if !h.deliver(c, line) {
			h.removeFailedClients([]*Client{c})
			return
		}
	}
	h.log.Debug().Str(logging.FieldClientID, c.ID()).Int("replayed", len(lines)).Msg("history replayed")
}

// handleBroadcast persists one inbound message and fans it out to every
// client in the registry, sender included if it is still there.
func (h *Hub) handleBroadcast(msg inboundMessage) {
	sender := msg.sender

	line := history.FormatLine(sender.Name(), msg.text)
	if err := h.persist(sender, msg.text); err != nil {
		if h.cfg.StorageFailurePolicy != StorageFailureDeliver {
			h.log.Error().Err(err).Str(logging.FieldClientID, sender.ID()).Msg("message not persisted; dropped")
			return
		}
		h.log.Error().Err(err).Str(logging.FieldClientID, sender.ID()).Msg("message not persisted; broadcasting anyway")
	}

	clients := h.getClientSnapshot()
	h.log.Debug().Int(logging.FieldClients, len(clients)).Msg("broadcasting message")

	clientsToRemove := h.broadcastToClients(clients, []byte(line))
	h.removeFailedClients(clientsToRemove)
}

func (h *Hub) persist(sender *Client, text string) error {
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.StoreTimeout)
	defer cancel()
	_, err := h.store.Append(ctx, sender.Name(), text)
	return err
}

// getClientSnapshot returns a copy of the registry in join order.
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return slices.Clone(h.members)
}

// broadcastToClients enqueues the line for every client and returns the ones
// that could not take it.
func (h *Hub) broadcastToClients(clients []*Client, line []byte) []*Client {
	var clientsToRemove []*Client
	for _, client := range clients {
		if !h.deliver(client, line) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}
	return clientsToRemove
}

// deliver enqueues without blocking, applying the slow consumer policy when
// the client's queue is full. It reports false if the client must go.
func (h *Hub) deliver(c *Client, line []byte) bool {
	if c.State() == StateClosed {
		return true
	}
	if c.enqueue(line) {
		return true
	}
	if h.cfg.SlowConsumerPolicy == SlowConsumerDropOldest {
		c.dropOldest()
		if c.enqueue(line) {
			h.log.Debug().Str(logging.FieldClientID, c.ID()).Msg("send queue full; dropped oldest line")
			return true
		}
	}
	return false
}

// removeFailedClients tears down clients whose queue overflowed.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	for _, client := range clientsToRemove {
		h.log.Warn().Str(logging.FieldClientID, client.ID()).Str(logging.FieldRemoteAddr, client.addr).
			Msg("client removed due to full send queue")
		client.close()
	}
}

// shutdownClients closes every connection the hub knows about.
func (h *Hub) shutdownClients() {
	h.log.Info().Msg("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.connected))
	for client := range h.connected {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.close()
		client.closeConn()
	}

	h.log.Info().Int(logging.FieldClients, len(clients)).Msg("closed client connections")
}

// Shutdown stops the hub, closes all clients and waits for their goroutines,
// giving up after timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	h.mutex.Lock()
	h.cancel()
	h.mutex.Unlock()

	deadline := time.After(timeout)
	select {
	case <-h.done:
	case <-deadline:
		h.log.Warn().Msg("hub loop did not stop before timeout")
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed successfully")
		return nil
	case <-deadline:
		h.log.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

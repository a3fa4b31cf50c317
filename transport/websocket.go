package transport

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// joinTag announces a worker's rank right after dialing. It sits below
	// StepTag so it can never collide with protocol traffic.
	joinTag uint16 = 1

	frameHeaderSize = 8

	// WSPath is the websocket endpoint the coordinator serves.
	WSPath = "/gradhub-ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Rank transports talk service-to-service; browser origin checks do
	// not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Every websocket frame is a binary message:
// [source uint16][tag uint16][flags uint16][reserved uint16] + payload.
func encodeFrame(source int, tag uint16, payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:], uint16(source))
	binary.LittleEndian.PutUint16(buf[2:], tag)
	copy(buf[frameHeaderSize:], payload)
	return buf
}

func decodeFrame(data []byte) (int, uint16, []byte, error) {
	if len(data) < frameHeaderSize {
		return 0, 0, nil, fmt.Errorf("%w: short frame (%d bytes)", ErrTransportFailure, len(data))
	}
	source := int(binary.LittleEndian.Uint16(data[0:]))
	tag := binary.LittleEndian.Uint16(data[2:])
	return source, tag, data[frameHeaderSize:], nil
}

// mailroom demultiplexes inbound envelopes into per-(source, tag) FIFO
// channels, the same scheme the in-memory network uses.
type mailroom struct {
	mu    sync.Mutex
	boxes map[mailKey]chan envelope
}

func newMailroom() *mailroom {
	return &mailroom{boxes: make(map[mailKey]chan envelope)}
}

func (m *mailroom) box(key mailKey) chan envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	box, ok := m.boxes[key]
	if !ok {
		box = make(chan envelope, mailboxDepth)
		m.boxes[key] = box
	}
	return box
}

func (m *mailroom) deliver(env envelope, closed <-chan struct{}) {
	select {
	case m.box(mailKey{source: env.source, tag: env.tag}) <- env:
	case <-closed:
	}
}

func (m *mailroom) recv(source int, tag uint16, closed <-chan struct{}) Handle {
	box := m.box(mailKey{source: source, tag: tag})
	c := newCompletion()
	go func() {
		select {
		case env := <-box:
			c.complete(Status{Source: env.source, Tag: env.tag, Size: len(env.payload)}, env.payload, nil)
			return
		default:
		}
		select {
		case env := <-box:
			c.complete(Status{Source: env.source, Tag: env.tag, Size: len(env.payload)}, env.payload, nil)
		case <-closed:
			c.complete(Status{}, nil, ErrClosed)
		}
	}()
	return c
}

// wsPeer owns one websocket connection. All writes go through the send
// channel and a single write pump, which preserves send order.
type wsPeer struct {
	rank int
	conn *websocket.Conn
	send chan []byte
}

func (p *wsPeer) writePump(closed <-chan struct{}, onError func(error)) {
	defer p.conn.Close()
	for {
		select {
		case msg := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				onError(err)
				return
			}
		case <-closed:
			return
		}
	}
}

// Hub is the coordinator-side websocket transport (rank 0). Workers dial
// in, announce their rank with a join frame, and are registered much like
// clients registering with a game hub.
type Hub struct {
	world    int
	mail     *mailroom
	listener net.Listener
	server   *http.Server

	mu    sync.Mutex
	peers map[int]*wsPeer
	joins chan int

	closed    chan struct{}
	closeOnce sync.Once
}

// ListenHub starts the coordinator's websocket listener on addr.
func ListenHub(addr string, world int) (*Hub, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrTransportFailure, addr, err)
	}
	h := &Hub{
		world:    world,
		mail:     newMailroom(),
		listener: listener,
		peers:    make(map[int]*wsPeer),
		joins:    make(chan int, world),
		closed:   make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, h.serveWS)
	h.server = &http.Server{Handler: mux}
	go h.server.Serve(listener)
	return h, nil
}

// Addr returns the bound listen address.
func (h *Hub) Addr() string { return h.listener.Addr().String() }

// WaitReady blocks until every worker rank has joined.
func (h *Hub) WaitReady(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	joined := 0
	for joined < h.world-1 {
		select {
		case rank := <-h.joins:
			joined++
			slog.Info("worker joined", "rank", rank, "joined", joined, "expected", h.world-1)
		case <-deadline.C:
			return fmt.Errorf("%w: only %d of %d workers joined", ErrTransportFailure, joined, h.world-1)
		case <-h.closed:
			return ErrClosed
		}
	}
	return nil
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err, "remoteAddr", r.RemoteAddr)
		return
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	source, tag, _, err := decodeFrame(data)
	if err != nil || tag != joinTag || source < 1 || source >= h.world {
		slog.Warn("rejecting connection without a valid join frame", "remoteAddr", r.RemoteAddr)
		conn.Close()
		return
	}

	peer := &wsPeer{rank: source, conn: conn, send: make(chan []byte, mailboxDepth)}
	h.mu.Lock()
	h.peers[source] = peer
	h.mu.Unlock()

	go peer.writePump(h.closed, h.fail)
	go h.readPump(peer)
	h.joins <- source
}

func (h *Hub) readPump(peer *wsPeer) {
	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			select {
			case <-h.closed:
			default:
				h.fail(fmt.Errorf("read from rank %d: %w", peer.rank, err))
			}
			return
		}
		source, tag, payload, err := decodeFrame(data)
		if err != nil {
			h.fail(err)
			return
		}
		env := envelope{source: source, tag: tag, payload: append([]byte(nil), payload...)}
		h.mail.deliver(env, h.closed)
	}
}

// fail tears the hub down; a lost worker is fatal to the synchronous
// protocol, there is no per-connection recovery.
func (h *Hub) fail(err error) {
	slog.Error("hub transport failure", "error", err)
	h.Close()
}

func (h *Hub) Rank() int  { return 0 }
func (h *Hub) World() int { return h.world }

func (h *Hub) Send(dest int, tag uint16, payload []byte) (Handle, error) {
	h.mu.Lock()
	peer, ok := h.peers[dest]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: rank %d is not connected", ErrTransportFailure, dest)
	}
	frame := encodeFrame(0, tag, payload)
	c := newCompletion()
	go func() {
		select {
		case peer.send <- frame:
			c.complete(Status{Source: 0, Tag: tag, Size: len(payload)}, nil, nil)
		case <-h.closed:
			c.complete(Status{}, nil, ErrClosed)
		}
	}()
	return c, nil
}

func (h *Hub) Recv(source int, tag uint16) (Handle, error) {
	if source < 0 || source >= h.world {
		return nil, fmt.Errorf("%w: recv from unknown rank %d", ErrTransportFailure, source)
	}
	return h.mail.recv(source, tag, h.closed), nil
}

func (h *Hub) Broadcast(root int, tag uint16, payload []byte) ([]byte, error) {
	if root != 0 {
		return nil, fmt.Errorf("%w: hub can only broadcast as rank 0", ErrTransportFailure)
	}
	handles := make([]Handle, 0, h.world-1)
	for rank := 1; rank < h.world; rank++ {
		handle, err := h.Send(rank, tag, payload)
		if err != nil {
			return nil, err
		}
		handles = append(handles, handle)
	}
	for _, handle := range handles {
		if _, _, err := Wait(handle); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.server.Close()
	})
	return nil
}

// Link is the worker-side websocket transport: a single connection to the
// coordinator's hub.
type Link struct {
	rank  int
	world int
	mail  *mailroom
	peer  *wsPeer

	closed    chan struct{}
	closeOnce sync.Once
}

// DialWorker connects to the coordinator at wsURL and announces rank.
func DialWorker(wsURL string, rank, world int) (*Link, error) {
	if rank < 1 || rank >= world {
		return nil, fmt.Errorf("%w: invalid worker rank %d", ErrTransportFailure, rank)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransportFailure, wsURL, err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(rank, joinTag, nil)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: join frame: %v", ErrTransportFailure, err)
	}
	l := &Link{
		rank:   rank,
		world:  world,
		mail:   newMailroom(),
		peer:   &wsPeer{rank: rank, conn: conn, send: make(chan []byte, mailboxDepth)},
		closed: make(chan struct{}),
	}
	go l.peer.writePump(l.closed, func(error) { l.Close() })
	go l.readPump()
	return l, nil
}

func (l *Link) readPump() {
	for {
		_, data, err := l.peer.conn.ReadMessage()
		if err != nil {
			// Coordinator hung up: end of stream for this worker.
			l.Close()
			return
		}
		source, tag, payload, err := decodeFrame(data)
		if err != nil {
			l.Close()
			return
		}
		env := envelope{source: source, tag: tag, payload: append([]byte(nil), payload...)}
		l.mail.deliver(env, l.closed)
	}
}

func (l *Link) Rank() int  { return l.rank }
func (l *Link) World() int { return l.world }

func (l *Link) Send(dest int, tag uint16, payload []byte) (Handle, error) {
	if dest != 0 {
		return nil, fmt.Errorf("%w: workers only send to rank 0, got %d", ErrTransportFailure, dest)
	}
	frame := encodeFrame(l.rank, tag, payload)
	c := newCompletion()
	go func() {
		select {
		case l.peer.send <- frame:
			c.complete(Status{Source: l.rank, Tag: tag, Size: len(payload)}, nil, nil)
		case <-l.closed:
			c.complete(Status{}, nil, ErrClosed)
		}
	}()
	return c, nil
}

func (l *Link) Recv(source int, tag uint16) (Handle, error) {
	return l.mail.recv(source, tag, l.closed), nil
}

func (l *Link) Broadcast(root int, tag uint16, payload []byte) ([]byte, error) {
	handle, err := l.Recv(root, tag)
	if err != nil {
		return nil, err
	}
	_, received, err := Wait(handle)
	return received, err
}

func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.peer.conn.Close()
	})
	return nil
}

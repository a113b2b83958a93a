// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// wsMaxTag bounds the tag space of the WebSocket transport. Tags ride in a
// fixed 4-byte frame header.
const wsMaxTag = 1<<31 - 1

// dialRetryWait is the pause between dial attempts while the mesh forms.
const dialRetryWait = 250 * time.Millisecond

// WSConfig configures one endpoint of a WebSocket mesh.
type WSConfig struct {
	// Rank is this process's rank.
	Rank int

	// Listen is the address the endpoint accepts peer connections on.
	Listen string

	// Peers maps each rank to its base URL (e.g. "ws://host:port"). The
	// entry for Rank itself is ignored.
	Peers []string

	// DialTimeout bounds how long mesh formation may take.
	DialTimeout time.Duration
}

// hello is the handshake frame exchanged when a peer connection opens.
type hello struct {
	Rank    int    `json:"rank"`
	Session string `json:"session"`
}

// WSMesh is a fully-connected WebSocket communicator. Rank i dials every
// peer with a lower rank and accepts connections from peers with a higher
// rank, so each pair shares exactly one connection.
type WSMesh struct {
	cfg     WSConfig
	session string
	inbox   chan Message
	done    chan struct{}

	mu      sync.Mutex
	conns   []*wsPeer
	closed  bool
	readers sync.WaitGroup

	server   *http.Server
	listener net.Listener
	accepted chan *wsPeer
}

type wsPeer struct {
	rank    int
	session string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWSMesh opens the endpoint, connects to every peer and returns when the
// mesh is complete.
func NewWSMesh(ctx context.Context, cfg WSConfig) (*WSMesh, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	m := &WSMesh{
		cfg:      cfg,
		session:  uuid.NewString(),
		inbox:    make(chan Message, 1024),
		done:     make(chan struct{}),
		conns:    make([]*wsPeer, len(cfg.Peers)),
		accepted: make(chan *wsPeer, len(cfg.Peers)),
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("comm: listen %s: %w", cfg.Listen, err)
	}
	m.listener = ln

	router := mux.NewRouter()
	router.HandleFunc("/comm/{rank:[0-9]+}", m.handleAccept)
	m.server = &http.Server{Handler: router}
	go func() {
		_ = m.server.Serve(ln)
	}()

	if err := m.connect(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// connect dials lower ranks and waits for higher ranks to dial in.
func (m *WSMesh) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for r := range m.cfg.Peers {
		if r >= m.cfg.Rank {
			continue
		}
		r := r
		g.Go(func() error { return m.dial(ctx, r) })
	}

	expect := len(m.cfg.Peers) - 1 - m.cfg.Rank
	g.Go(func() error {
		for i := 0; i < expect; i++ {
			select {
			case p := <-m.accepted:
				m.register(p)
			case <-ctx.Done():
				return fmt.Errorf("comm: mesh formation timed out waiting for peers: %w", ctx.Err())
			}
		}
		return nil
	})
	return g.Wait()
}

func (m *WSMesh) dial(ctx context.Context, rank int) error {
	url := m.cfg.Peers[rank] + "/comm/" + strconv.Itoa(m.cfg.Rank)
	for {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if err := conn.WriteJSON(hello{Rank: m.cfg.Rank, Session: m.session}); err != nil {
				_ = conn.Close()
				return fmt.Errorf("comm: handshake with rank %d: %w", rank, err)
			}
			var h hello
			if err := conn.ReadJSON(&h); err != nil {
				_ = conn.Close()
				return fmt.Errorf("comm: handshake with rank %d: %w", rank, err)
			}
			if h.Rank != rank {
				_ = conn.Close()
				return fmt.Errorf("comm: dialed rank %d but peer identifies as %d", rank, h.Rank)
			}
			m.register(&wsPeer{rank: rank, session: h.Session, conn: conn})
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("comm: dial rank %d: %w", rank, ctx.Err())
		case <-time.After(dialRetryWait):
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (m *WSMesh) handleAccept(w http.ResponseWriter, r *http.Request) {
	claimed, err := strconv.Atoi(mux.Vars(r)["rank"])
	if err != nil || claimed <= m.cfg.Rank || claimed >= len(m.cfg.Peers) {
		http.Error(w, "bad rank", http.StatusBadRequest)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	var h hello
	if err := conn.ReadJSON(&h); err != nil || h.Rank != claimed {
		_ = conn.Close()
		return
	}
	if err := conn.WriteJSON(hello{Rank: m.cfg.Rank, Session: m.session}); err != nil {
		_ = conn.Close()
		return
	}
	m.accepted <- &wsPeer{rank: h.Rank, session: h.Session, conn: conn}
}

func (m *WSMesh) register(p *wsPeer) {
	m.mu.Lock()
	m.conns[p.rank] = p
	m.readers.Add(1)
	m.mu.Unlock()
	go m.readLoop(p)
}

// readLoop pumps one peer connection into the shared inbox. Frames are
// 4-byte big-endian tag followed by the payload. The loop exits when the
// connection closes; Close waits for all readers before closing the inbox.
func (m *WSMesh) readLoop(p *wsPeer) {
	defer m.readers.Done()
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage || len(data) < 4 {
			continue
		}
		tag := int(binary.BigEndian.Uint32(data[:4]))
		select {
		case m.inbox <- Message{From: p.rank, Tag: tag, Data: data[4:]}:
		case <-m.done:
			return
		}
	}
}

// Rank returns this endpoint's rank.
func (m *WSMesh) Rank() int { return m.cfg.Rank }

// Size returns the mesh size.
func (m *WSMesh) Size() int { return len(m.cfg.Peers) }

// MaxTag returns the largest usable tag.
func (m *WSMesh) MaxTag() int { return wsMaxTag }

// Send frames the payload and writes it to the peer connection. Writes to
// one peer are serialized; websocket allows a single writer at a time.
func (m *WSMesh) Send(ctx context.Context, to, tag int, data []byte) error {
	m.mu.Lock()
	p := m.conns[to]
	m.mu.Unlock()
	if p == nil {
		return fmt.Errorf("comm: no connection to rank %d", to)
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame[:4], uint32(tag))
	copy(frame[4:], data)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.conn.SetWriteDeadline(deadline)
	}
	if err := p.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("comm: send to rank %d tag %d: %w", to, tag, err)
	}
	return nil
}

// Inbox streams inbound frames from all peers.
func (m *WSMesh) Inbox() <-chan Message { return m.inbox }

// SelfCopy copies src into dst without touching the network.
func (m *WSMesh) SelfCopy(dst, src []byte) error {
	if len(dst) < len(src) {
		return fmt.Errorf("comm: self copy destination too small")
	}
	copy(dst, src)
	return nil
}

// Session returns this endpoint's session id, established at handshake.
func (m *WSMesh) Session() string { return m.session }

// Close tears down every peer connection and the listener.
func (m *WSMesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	conns := make([]*wsPeer, len(m.conns))
	copy(conns, m.conns)
	m.mu.Unlock()

	for _, p := range conns {
		if p != nil {
			_ = p.conn.Close()
		}
	}
	err := m.server.Close()
	m.readers.Wait()
	close(m.inbox)
	return err
}

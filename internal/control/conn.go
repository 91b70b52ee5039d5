package control

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vpittamp/i3pm/internal/eventlog"
	"github.com/vpittamp/i3pm/internal/util"
)

// PeerCred identifies the process on the other end of a connection.
type PeerCred struct {
	PID int
	UID uint32
	GID uint32
}

// conn is one client connection. Outbound frames go through a bounded
// queue drained by writeLoop.
type conn struct {
	id        string
	nc        net.Conn
	peer      PeerCred
	connected time.Time
	out       chan []byte
	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	kickOnce  sync.Once

	mu         sync.Mutex
	subscribed bool
	lastSent   uint64
	delivered  uint64
}

func newConn(nc net.Conn, buffer int) *conn {
	return &conn{
		id:        uuid.NewString(),
		nc:        nc,
		connected: time.Now(),
		out:       make(chan []byte, buffer),
		kick:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.nc.Close()
	})
}

// send queues a response, waiting for room unless the connection is gone.
func (c *conn) send(msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case c.out <- append(data, '\n'):
		return true
	case <-c.kick:
		return false
	case <-c.done:
		return false
	}
}

// subscribe enables or disables the feed. With since set, retained records
// newer than *since are queued first; otherwise delivery starts after
// lastID. Holding mu across the replay keeps concurrent Publish calls from
// interleaving or duplicating records.
func (c *conn) subscribe(enabled bool, since *uint64, lastID uint64, replay func(uint64) []eventlog.Record) SubscribeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := SubscribeResult{Enabled: enabled}
	if !enabled {
		c.subscribed = false
		res.LastEventID = c.lastSent
		return res
	}
	if c.subscribed {
		res.LastEventID = c.lastSent
		return res
	}
	c.subscribed = true
	if since == nil {
		c.lastSent = lastID
	} else {
		c.lastSent = *since
		for _, rec := range replay(*since) {
			if !c.deliverLocked(rec) {
				break
			}
			res.Replayed++
		}
	}
	res.LastEventID = c.lastSent
	return res
}

// deliver queues rec for a subscribed connection. It never blocks; a full
// queue drops the client.
func (c *conn) deliver(rec eventlog.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliverLocked(rec)
}

func (c *conn) deliverLocked(rec eventlog.Record) bool {
	if !c.subscribed || rec.ID <= c.lastSent {
		return true
	}
	params, err := json.Marshal(rec)
	if err != nil {
		return true
	}
	data, err := json.Marshal(Message{JSONRPC: Version, Method: NotificationEvent, Params: params})
	if err != nil {
		return true
	}
	select {
	case c.out <- append(data, '\n'):
		c.lastSent = rec.ID
		c.delivered++
		return true
	default:
		c.subscribed = false
		c.kickOnce.Do(func() { close(c.kick) })
		return false
	}
}

func (c *conn) info() SubscriberInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SubscriberInfo{
		ID:          c.id,
		PID:         c.peer.PID,
		UID:         c.peer.UID,
		ConnectedAt: c.connected,
		Subscribed:  c.subscribed,
		Delivered:   c.delivered,
		LastEventID: c.lastSent,
		Pending:     len(c.out),
	}
}

// writeLoop drains the outbound queue. After an overflow it sends a final
// backpressure error and closes the connection.
func (c *conn) writeLoop(logger *util.Logger) {
	for {
		select {
		case <-c.kick:
			c.writeFinal(logger)
			return
		default:
		}
		select {
		case <-c.kick:
			c.writeFinal(logger)
			return
		case <-c.done:
			return
		case data := <-c.out:
			_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.nc.Write(data); err != nil {
				logger.Debugf("rpc client %s write: %v", c.id, err)
				c.close()
				return
			}
		}
	}
}

func (c *conn) writeFinal(logger *util.Logger) {
	defer c.close()
	params, _ := json.Marshal(Error{Code: CodeClientBackpressure, Message: ErrClientBackpressure.Error()})
	data, _ := json.Marshal(Message{JSONRPC: Version, Method: NotificationError, Params: params})
	_ = c.nc.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := c.nc.Write(append(data, '\n')); err != nil {
		logger.Debugf("rpc client %s final error: %v", c.id, err)
	}
	logger.Warnf("rpc client %s dropped: outbound buffer full", c.id)
}

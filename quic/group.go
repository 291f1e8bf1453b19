package quic

import (
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"qsock/utils"
)

// idleCloseErrCode is the error code passed to Conn.Close when the group
// closes an idle connection.
const idleCloseErrCode = 0x0

type groupEntry struct {
	conn *Conn
	disp *Dispatcher
}

// Group is the routing table a transport owner uses to map connection trace
// IDs to dispatchers. Entries not routed to within the idle TTL are evicted
// and their connections closed.
type Group struct {
	table *cache.Cache
}

// NewGroup creates a routing table. A non-positive idleTTL disables idle
// eviction; explicit removal still closes the connection.
func NewGroup(idleTTL time.Duration) *Group {
	var table *cache.Cache
	if idleTTL <= 0 {
		table = cache.New(cache.NoExpiration, 0)
	} else {
		table = cache.New(idleTTL, idleTTL/2)
	}

	table.OnEvicted(func(traceID string, v interface{}) {
		e := v.(*groupEntry)
		if e.conn.IsClosed() {
			return
		}
		utils.Logger.Info("closing idle connection",
			zap.String("trace_id", traceID))
		if err := e.conn.Close(idleCloseErrCode, []byte("idle timeout")); err != nil {
			utils.Logger.Error("idle close failed",
				zap.String("trace_id", traceID), zap.Error(err))
		}
	})

	return &Group{table: table}
}

// Add registers a connection under its trace ID.
func (g *Group) Add(conn *Conn, disp *Dispatcher) {
	g.table.SetDefault(conn.TraceID(), &groupEntry{conn: conn, disp: disp})
}

// Get returns the connection registered under traceID and refreshes its idle
// clock.
func (g *Group) Get(traceID string) (*Conn, *Dispatcher, bool) {
	v, ok := g.table.Get(traceID)
	if !ok {
		return nil, nil, false
	}
	e := v.(*groupEntry)
	// routing counts as activity
	g.table.SetDefault(traceID, e)
	return e.conn, e.disp, true
}

// Remove drops the entry. The eviction hook closes the connection if it is
// still alive.
func (g *Group) Remove(traceID string) {
	g.table.Delete(traceID)
}

// Len returns the number of registered connections, including not yet
// collected expired ones.
func (g *Group) Len() int {
	return g.table.ItemCount()
}

// Close closes every registered connection and empties the table.
func (g *Group) Close() error {
	var err error
	for traceID, item := range g.table.Items() {
		e := item.Object.(*groupEntry)
		if e.conn.IsClosed() {
			continue
		}
		if cerr := e.conn.Close(idleCloseErrCode, []byte("group shutdown")); cerr != nil {
			err = multierr.Append(err, errors.Wrapf(cerr, "close %s", traceID))
		}
	}
	g.table.Flush()
	return err
}

package basp

import (
	"slices"
)

// Route is a next hop: the connection to write to and the node at its
// other end. The zero Route means no route.
type Route struct {
	Handle ConnHandle
	Node   NodeID
}

func (r Route) Invalid() bool {
	return r.Handle == 0
}

type routeKey struct {
	node NodeID
	hdl  ConnHandle
}

type routeEntry struct {
	primary    Route
	alternates []Route
}

func (e *routeEntry) empty() bool {
	return e.primary.Invalid() && len(e.alternates) == 0
}

// RoutingTable maps destination nodes to connections. Direct routes win,
// then the primary indirect route, then alternates in the order they were
// learned. A (node, handle) pair that was invalidated is blacklisted for
// good and never selected or learned again.
//
// RoutingTable is not safe for concurrent use; the broker goroutine owns it.
type RoutingTable struct {
	direct    map[NodeID]ConnHandle
	entries   map[NodeID]*routeEntry
	blacklist map[routeKey]struct{}
	peers     map[ConnHandle]NodeID
}

func NewRoutingTable() *RoutingTable {
	return &RoutingTable{
		direct:    make(map[NodeID]ConnHandle),
		entries:   make(map[NodeID]*routeEntry),
		blacklist: make(map[routeKey]struct{}),
		peers:     make(map[ConnHandle]NodeID),
	}
}

// Get returns the best usable route to dst.
func (rt *RoutingTable) Get(dst NodeID) Route {
	if h, ok := rt.direct[dst]; ok && !rt.Blacklisted(dst, h) {
		return Route{Handle: h, Node: dst}
	}
	e := rt.entries[dst]
	if e == nil {
		return Route{}
	}
	if !e.primary.Invalid() && !rt.Blacklisted(dst, e.primary.Handle) {
		return e.primary
	}
	for _, r := range e.alternates {
		if !rt.Blacklisted(dst, r.Handle) {
			return r
		}
	}
	return Route{}
}

// Direct returns the direct connection to node, if any.
func (rt *RoutingTable) Direct(node NodeID) (ConnHandle, bool) {
	h, ok := rt.direct[node]
	return h, ok
}

// SetDirect records hdl as the direct connection to node.
func (rt *RoutingTable) SetDirect(node NodeID, hdl ConnHandle) {
	rt.direct[node] = hdl
	rt.peers[hdl] = node
}

func (rt *RoutingTable) route(node NodeID, hdl ConnHandle) Route {
	r := Route{Handle: hdl, Node: rt.peers[hdl]}
	if r.Node.IsZero() {
		r.Node = node
	}
	return r
}

// Add learns that node is reachable through hdl. The pair becomes the
// primary route when none exists and an alternate otherwise. It returns
// false for blacklisted or already known pairs.
func (rt *RoutingTable) Add(node NodeID, hdl ConnHandle) bool {
	if hdl == 0 || node.IsZero() || rt.Blacklisted(node, hdl) {
		return false
	}
	e := rt.entries[node]
	if e == nil {
		rt.entries[node] = &routeEntry{primary: rt.route(node, hdl)}
		return true
	}
	if e.primary.Handle == hdl || slices.ContainsFunc(e.alternates, func(r Route) bool { return r.Handle == hdl }) {
		return false
	}
	if e.primary.Invalid() {
		e.primary = rt.route(node, hdl)
		return true
	}
	e.alternates = append(e.alternates, rt.route(node, hdl))
	return true
}

// TrySetDefault installs (node, hdl) as primary route if node has none,
// promoting it out of the alternates when it is already known.
func (rt *RoutingTable) TrySetDefault(node NodeID, hdl ConnHandle) bool {
	if hdl == 0 || node.IsZero() || rt.Blacklisted(node, hdl) {
		return false
	}
	e := rt.entries[node]
	if e == nil {
		rt.entries[node] = &routeEntry{primary: rt.route(node, hdl)}
		return true
	}
	if !e.primary.Invalid() {
		return false
	}
	e.alternates = slices.DeleteFunc(e.alternates, func(r Route) bool { return r.Handle == hdl })
	e.primary = rt.route(node, hdl)
	return true
}

// Invalidate removes every route through hdl, blacklists the affected
// (node, hdl) pairs and returns the nodes left without any route, sorted.
// Alternates are not promoted to primary.
func (rt *RoutingTable) Invalidate(hdl ConnHandle) []NodeID {
	var affected []NodeID
	delete(rt.peers, hdl)
	for node, h := range rt.direct {
		if h == hdl {
			delete(rt.direct, node)
			rt.blacklist[routeKey{node, hdl}] = struct{}{}
			affected = append(affected, node)
		}
	}
	for node, e := range rt.entries {
		touched := false
		if e.primary.Handle == hdl {
			e.primary = Route{}
			touched = true
		}
		n := len(e.alternates)
		e.alternates = slices.DeleteFunc(e.alternates, func(r Route) bool { return r.Handle == hdl })
		if len(e.alternates) != n {
			touched = true
		}
		if touched {
			rt.blacklist[routeKey{node, hdl}] = struct{}{}
			if !slices.Contains(affected, node) {
				affected = append(affected, node)
			}
		}
		if e.empty() {
			delete(rt.entries, node)
		}
	}

	var unreachable []NodeID
	for _, node := range affected {
		if rt.Get(node).Invalid() {
			unreachable = append(unreachable, node)
		}
	}
	slices.SortFunc(unreachable, NodeID.Compare)
	return unreachable
}

func (rt *RoutingTable) Blacklisted(node NodeID, hdl ConnHandle) bool {
	_, ok := rt.blacklist[routeKey{node, hdl}]
	return ok
}

func (rt *RoutingTable) BlacklistLen() int {
	return len(rt.blacklist)
}

// Len returns the number of nodes with a direct or indirect route.
func (rt *RoutingTable) Len() int {
	n := len(rt.entries)
	for node := range rt.direct {
		if _, ok := rt.entries[node]; !ok {
			n++
		}
	}
	return n
}

// RouteInfo describes the routes to one node.
type RouteInfo struct {
	Node       string   `json:"node"`
	Direct     uint64   `json:"direct,omitempty"`
	Primary    uint64   `json:"primary,omitempty"`
	Alternates []uint64 `json:"alternates,omitempty"`
	Selected   uint64   `json:"selected"`
}

// Snapshot returns the table contents ordered by node.
func (rt *RoutingTable) Snapshot() []RouteInfo {
	nodes := make([]NodeID, 0, rt.Len())
	for node := range rt.direct {
		nodes = append(nodes, node)
	}
	for node := range rt.entries {
		if _, ok := rt.direct[node]; !ok {
			nodes = append(nodes, node)
		}
	}
	slices.SortFunc(nodes, NodeID.Compare)

	out := make([]RouteInfo, 0, len(nodes))
	for _, node := range nodes {
		info := RouteInfo{Node: node.String(), Selected: uint64(rt.Get(node).Handle)}
		if h, ok := rt.direct[node]; ok {
			info.Direct = uint64(h)
		}
		if e := rt.entries[node]; e != nil {
			info.Primary = uint64(e.primary.Handle)
			for _, r := range e.alternates {
				info.Alternates = append(info.Alternates, uint64(r.Handle))
			}
		}
		out = append(out, info)
	}
	return out
}

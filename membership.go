package pclient

import (
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/pclient/pkg/wire"
)

// GossipCluster is the view of the cluster the client builds by taking
// part in the memberlist gossip as a client node. It implements
// `ClusterService`.
type GossipCluster struct {
	ml     *memberlist.Memberlist
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
	meta   []byte

	lk       sync.RWMutex
	members  map[string]Member
	onChange []func()
}

var _ ClusterService = (*GossipCluster)(nil)

// newGossipCluster creates the memberlist node. The node advertises
// itself as a client so members never route data to it.
func newGossipCluster(mlCfg *memberlist.Config, logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) (*GossipCluster, error) {
	meta, err := (&wire.MemberMeta{Client: true}).Marshal()
	if err != nil {
		return nil, err
	}

	gc := &GossipCluster{
		logger:  logger.With("component", "membership"),
		msink:   msink,
		labels:  labels,
		meta:    meta,
		members: make(map[string]Member),
	}

	mlCfg.Delegate = gc
	mlCfg.Events = &gossipEvents{gc: gc}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, err
	}
	gc.ml = ml
	return gc, nil
}

// Join contacts the neighbours and reports how many answered.
func (gc *GossipCluster) Join(neighbours []string) (int, error) {
	if len(neighbours) == 0 {
		return 0, nil
	}
	joined, err := gc.ml.Join(neighbours)
	if err != nil {
		return joined, fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	return joined, nil
}

// OnChange registers fn to be called after every membership change.
func (gc *GossipCluster) OnChange(fn func()) {
	gc.lk.Lock()
	defer gc.lk.Unlock()
	gc.onChange = append(gc.onChange, fn)
}

// OwnerAddress is the address of the member with the lowest name. All
// clients agree on it as long as they share the same view.
func (gc *GossipCluster) OwnerAddress() (Address, bool) {
	members := gc.Members()
	if len(members) == 0 {
		return "", false
	}
	return members[0].Addr, true
}

// Members sorted by name.
func (gc *GossipCluster) Members() []Member {
	gc.lk.RLock()
	defer gc.lk.RUnlock()

	out := make([]Member, 0, len(gc.members))
	for _, m := range gc.members {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Member) int {
		if a.Name < b.Name {
			return -1
		} else if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

func (gc *GossipCluster) DataMembers() []Member {
	return slices.DeleteFunc(gc.Members(), func(m Member) bool {
		return !m.DataMember
	})
}

func (gc *GossipCluster) Member(addr Address) (Member, bool) {
	gc.lk.RLock()
	defer gc.lk.RUnlock()
	for _, m := range gc.members {
		if m.Addr == addr {
			return m, true
		}
	}
	return Member{}, false
}

// Leave the gossip pool and release its resources.
func (gc *GossipCluster) Leave(timeout time.Duration) error {
	err := gc.ml.Leave(timeout)
	if serr := gc.ml.Shutdown(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// memberlist.Delegate

func (gc *GossipCluster) NodeMeta(limit int) []byte {
	if len(gc.meta) > limit {
		gc.logger.Error("node meta exceeds memberlist limit", "limit", limit)
		return nil
	}
	return gc.meta
}

func (gc *GossipCluster) NotifyMsg([]byte) {}

func (gc *GossipCluster) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

func (gc *GossipCluster) LocalState(join bool) []byte {
	return nil
}

func (gc *GossipCluster) MergeRemoteState(buf []byte, join bool) {}

func (gc *GossipCluster) upsert(node *memberlist.Node) (Member, bool) {
	member, ok := memberFromNode(node)
	if !ok {
		return Member{}, false
	}

	gc.lk.Lock()
	gc.members[node.Name] = member
	gc.lk.Unlock()
	return member, true
}

func (gc *GossipCluster) remove(node *memberlist.Node) bool {
	gc.lk.Lock()
	defer gc.lk.Unlock()
	_, ok := gc.members[node.Name]
	delete(gc.members, node.Name)
	return ok
}

func (gc *GossipCluster) changed(event string, member Member) {
	gc.logger.Info("membership changed", LabelEvent.L(event), "member", member)
	gc.msink.IncrCounterWithLabels(
		MetricMemberEventCount,
		1.0,
		withLabels(gc.labels, LabelEvent.M(event)),
	)

	gc.lk.RLock()
	listeners := slices.Clone(gc.onChange)
	gc.lk.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// memberFromNode returns false for client nodes.
func memberFromNode(node *memberlist.Node) (Member, bool) {
	var meta wire.MemberMeta
	if len(node.Meta) > 0 {
		if err := meta.Unmarshal(node.Meta); err != nil {
			return Member{}, false
		}
	}
	if meta.Client {
		return Member{}, false
	}

	addr := meta.Addr
	if addr == "" {
		addr = net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
	}

	return Member{
		Name:       node.Name,
		Addr:       Address(addr),
		DataMember: meta.DataMember,
	}, true
}

// gossipEvents is kept apart so the delegate methods of GossipCluster
// do not clash with the event ones.
type gossipEvents struct {
	gc *GossipCluster
}

func (g *gossipEvents) NotifyJoin(node *memberlist.Node) {
	if member, ok := g.gc.upsert(node); ok {
		g.gc.changed("join", member)
	}
}

func (g *gossipEvents) NotifyLeave(node *memberlist.Node) {
	member, _ := memberFromNode(node)
	if g.gc.remove(node) {
		g.gc.changed("leave", member)
	}
}

func (g *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	if member, ok := g.gc.upsert(node); ok {
		g.gc.changed("update", member)
	}
}

package pcb

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/route"
)

var (
	localAddr  = netip.MustParseAddr("10.0.0.1")
	remoteAddr = netip.MustParseAddr("10.0.0.2")
)

func newRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	ifp := netif.New("eth0", 1500, netif.FlagUp|netif.FlagBroadcast, nil)
	require.NoError(t, ifp.AddAddress(netip.MustParsePrefix("10.0.0.1/24")))
	ifaces := netif.NewTable()
	require.NoError(t, ifaces.Add(ifp))
	routes := route.NewTable()
	_, err := routes.Add(netip.MustParsePrefix("10.0.0.0/24"), netip.Addr{}, ifp, route.FlagStatic)
	require.NoError(t, err)
	return New("test", cfg, routes, ifaces)
}

func ep(a netip.Addr, port uint16) core.Endpoint { return core.Endpoint{Addr: a, Port: port} }

func TestBind_DoubleBindWithoutReuse(t *testing.T) {
	r := newRegistry(t, DefaultConfig)
	a := r.Alloc(nil)
	b := r.Alloc(nil)

	require.NoError(t, r.Bind(a, ep(core.AnyAddr, 5353)))
	err := r.Bind(b, ep(core.AnyAddr, 5353))
	assert.ErrorIs(t, err, core.ErrAddressInUse)

	err = r.Bind(a, ep(core.AnyAddr, 6000))
	assert.ErrorIs(t, err, core.ErrAlreadyBound)
}

func TestBind_ReusePortRequiresBothSides(t *testing.T) {
	r := newRegistry(t, DefaultConfig)
	a := r.Alloc(nil)
	b := r.Alloc(nil)
	c := r.Alloc(nil)
	a.Options = ReusePort
	b.Options = ReusePort

	require.NoError(t, r.Bind(a, ep(core.AnyAddr, 7000)))
	require.NoError(t, r.Bind(b, ep(core.AnyAddr, 7000)))
	assert.ErrorIs(t, r.Bind(c, ep(core.AnyAddr, 7000)), core.ErrAddressInUse)
}

func TestBind_ReuseAddrAllowsSpecificNextToWildcard(t *testing.T) {
	r := newRegistry(t, DefaultConfig)
	a := r.Alloc(nil)
	b := r.Alloc(nil)
	require.NoError(t, r.Bind(a, ep(core.AnyAddr, 8000)))

	assert.ErrorIs(t, r.Bind(b, ep(localAddr, 8000)), core.ErrAddressInUse)
	b.Options = ReuseAddr
	assert.NoError(t, r.Bind(b, ep(localAddr, 8000)))
}

func TestBind_UnknownAddress(t *testing.T) {
	r := newRegistry(t, DefaultConfig)
	p := r.Alloc(nil)
	err := r.Bind(p, ep(netip.MustParseAddr("192.0.2.1"), 80))
	assert.ErrorIs(t, err, core.ErrAddressNotAvailable)
}

func TestBind_EphemeralExhaustion(t *testing.T) {
	r := newRegistry(t, Config{EphemeralFirst: 2000, EphemeralLast: 2002})
	seen := map[uint16]bool{}
	for i := 0; i < 3; i++ {
		p := r.Alloc(nil)
		require.NoError(t, r.Bind(p, ep(core.AnyAddr, 0)))
		assert.GreaterOrEqual(t, p.Local.Port, uint16(2000))
		assert.LessOrEqual(t, p.Local.Port, uint16(2002))
		assert.False(t, seen[p.Local.Port])
		seen[p.Local.Port] = true
	}
	p := r.Alloc(nil)
	assert.ErrorIs(t, r.Bind(p, ep(core.AnyAddr, 0)), core.ErrAddressInUse)
}

// An exact 4-tuple match beats every wildcard candidate whatever the order
// in which the endpoints were created.
func TestLookup_ExactPreferredOverWildcard(t *testing.T) {
	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, order := range orders {
		r := newRegistry(t, DefaultConfig)
		var exact *PCB
		for _, which := range order {
			p := r.Alloc(nil)
			p.Options = ReuseAddr | ReusePort
			switch which {
			case 0:
				require.NoError(t, r.Bind(p, ep(core.AnyAddr, 80)))
			case 1:
				require.NoError(t, r.Bind(p, ep(localAddr, 80)))
			case 2:
				require.NoError(t, r.Bind(p, ep(localAddr, 80)))
				require.NoError(t, r.Connect(p, ep(remoteAddr, 40000)))
				exact = p
			}
		}
		got := r.Lookup(ep(remoteAddr, 40000), ep(localAddr, 80), LookupWildcard)
		assert.Same(t, exact, got, "order %v", order)

		other := r.Lookup(ep(remoteAddr, 40001), ep(localAddr, 80), LookupWildcard)
		require.NotNil(t, other)
		assert.Equal(t, localAddr, other.Local.Addr, "specific local beats full wildcard")
		assert.False(t, other.Remote.Addr.IsValid() && !other.Remote.Addr.IsUnspecified())
	}
}

func TestLookup_NoWildcardFlag(t *testing.T) {
	r := newRegistry(t, DefaultConfig)
	p := r.Alloc(nil)
	require.NoError(t, r.Bind(p, ep(core.AnyAddr, 80)))
	assert.Nil(t, r.Lookup(ep(remoteAddr, 1), ep(localAddr, 80), 0))
	assert.Same(t, p, r.Lookup(ep(remoteAddr, 1), ep(localAddr, 80), LookupWildcard))
}

func TestConnect_ChoosesSourceAndPort(t *testing.T) {
	r := newRegistry(t, DefaultConfig)
	p := r.Alloc(nil)
	require.NoError(t, r.Connect(p, ep(remoteAddr, 443)))
	assert.Equal(t, localAddr, p.Local.Addr)
	assert.NotZero(t, p.Local.Port)
	assert.Same(t, p, r.Lookup(ep(remoteAddr, 443), p.Local, 0))

	assert.ErrorIs(t, r.Connect(p, ep(remoteAddr, 444)), core.ErrAlreadyConnected)

	q := r.Alloc(nil)
	assert.ErrorIs(t, r.Connect(q, ep(remoteAddr, 0)), core.ErrAddressNotAvailable)
	assert.ErrorIs(t, r.Connect(q, ep(netip.MustParseAddr("203.0.113.1"), 80)), core.ErrNetworkUnreachable)
}

func TestHandle_StaleAfterDetach(t *testing.T) {
	r := newRegistry(t, DefaultConfig)
	p := r.Alloc(nil)
	h := p.Handle()
	assert.Same(t, p, r.Get(h))
	assert.Equal(t, 1, r.Len())

	r.Detach(p)
	assert.Nil(t, r.Get(h))
	assert.Zero(t, r.Len())

	q := r.Alloc(nil)
	assert.Nil(t, r.Get(h), "reused slot must not resolve an old handle")
	assert.Same(t, q, r.Get(q.Handle()))
	r.Detach(p)
}

func TestNotify(t *testing.T) {
	r := newRegistry(t, DefaultConfig)
	a := r.Alloc(nil)
	require.NoError(t, r.Connect(a, ep(remoteAddr, 80)))
	b := r.Alloc(nil)
	require.NoError(t, r.Bind(b, ep(core.AnyAddr, 9)))

	var got []*PCB
	r.Notify(remoteAddr, 0, core.Endpoint{}, core.ErrHostUnreachable, func(p *PCB, err error) {
		assert.ErrorIs(t, err, core.ErrHostUnreachable)
		got = append(got, p)
	})
	assert.Equal(t, []*PCB{a}, got)
}

func TestSetOptions_MaskedUnderRegistryLock(t *testing.T) {
	r := newRegistry(t, DefaultConfig)
	l := r.Alloc(nil)
	require.NoError(t, r.Bind(l, ep(core.AnyAddr, 80)))
	r.SetOptions(l, Listening, Listening)
	r.SetOptions(l, ReuseAddr|ReusePort, ReuseAddr)
	assert.Equal(t, Listening|ReuseAddr, r.OptionsOf(l))

	// option writers race binders and lookups on the same port
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 500 {
			r.SetOptions(l, ReusePort, ReusePort*Options(i%2))
		}
	}()
	go func() {
		defer wg.Done()
		for range 500 {
			p := r.Alloc(nil)
			_ = r.Bind(p, ep(localAddr, 80))
			r.Lookup(ep(remoteAddr, 1), ep(localAddr, 80), LookupWildcard)
			r.Detach(p)
		}
	}()
	wg.Wait()
	assert.Equal(t, Listening|ReuseAddr, r.OptionsOf(l)&^ReusePort)
}

package route

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/netif"
)

func upIface(t *testing.T, name, cidr string) *netif.Interface {
	t.Helper()
	ifp := netif.New(name, 1500, netif.FlagUp|netif.FlagBroadcast, nil)
	require.NoError(t, ifp.AddAddress(netip.MustParsePrefix(cidr)))
	return ifp
}

func TestTable_LongestPrefix(t *testing.T) {
	eth0 := upIface(t, "eth0", "10.0.0.1/24")
	eth1 := upIface(t, "eth1", "192.168.0.1/16")
	rt := NewTable()

	_, err := rt.Add(netip.MustParsePrefix("0.0.0.0/0"), netip.MustParseAddr("10.0.0.254"), eth0, FlagStatic)
	require.NoError(t, err)
	_, err = rt.Add(netip.MustParsePrefix("10.0.0.0/24"), netip.Addr{}, eth0, FlagStatic)
	require.NoError(t, err)
	_, err = rt.Add(netip.MustParsePrefix("192.168.0.0/16"), netip.Addr{}, eth1, FlagStatic)
	require.NoError(t, err)

	e := rt.Lookup(netip.MustParseAddr("10.0.0.9"))
	require.NotNil(t, e)
	assert.Equal(t, "10.0.0.0/24", e.Destination.String())
	assert.Equal(t, netip.MustParseAddr("10.0.0.9"), e.NextHop(netip.MustParseAddr("10.0.0.9")))

	e = rt.Lookup(netip.MustParseAddr("8.8.8.8"))
	require.NotNil(t, e)
	assert.Equal(t, netip.MustParseAddr("10.0.0.254"), e.NextHop(netip.MustParseAddr("8.8.8.8")))
	assert.Equal(t, "UGS", e.Flags().String())

	_, err = rt.Add(netip.MustParsePrefix("10.0.0.0/24"), netip.Addr{}, eth0, 0)
	assert.ErrorIs(t, err, core.ErrAddressInUse)
}

func TestHandle_RefcountAndDelete(t *testing.T) {
	eth0 := upIface(t, "eth0", "10.0.0.1/24")
	rt := NewTable()
	_, err := rt.Add(netip.MustParsePrefix("10.0.0.0/24"), netip.Addr{}, eth0, FlagStatic)
	require.NoError(t, err)

	dst := netip.MustParseAddr("10.0.0.2")
	h, err := rt.Resolve(dst)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Entry().Refs())

	var c Cache
	c.Set(dst, h)
	assert.True(t, c.Valid(dst))
	assert.False(t, c.Valid(netip.MustParseAddr("10.0.0.3")))

	require.NoError(t, rt.Delete(netip.MustParsePrefix("10.0.0.0/24")))
	assert.False(t, c.Valid(dst), "deleted route must read as down")

	e := c.Entry()
	c.Release()
	c.Release()
	assert.Equal(t, 0, e.Refs())

	_, err = rt.Resolve(dst)
	assert.ErrorIs(t, err, core.ErrNetworkUnreachable)
}

func TestEntry_MTUIndependentOfMetric(t *testing.T) {
	eth0 := upIface(t, "eth0", "10.0.0.1/24")
	rt := NewTable()
	e, err := rt.Add(netip.MustParsePrefix("10.0.0.0/24"), netip.Addr{}, eth0, 0)
	require.NoError(t, err)

	assert.Equal(t, 1500, e.MTU())
	e.Metric = 7
	e.SetMTU(576)
	assert.Equal(t, 576, e.MTU())
	assert.Equal(t, 7, e.Metric)
	e.SetMTU(0)
	assert.Equal(t, 1500, e.MTU())
}

func TestTable_Redirect(t *testing.T) {
	eth0 := upIface(t, "eth0", "10.0.0.1/24")
	ifaces := netif.NewTable()
	require.NoError(t, ifaces.Add(eth0))
	rt := NewTable()
	_, err := rt.Add(netip.MustParsePrefix("10.0.0.0/24"), netip.Addr{}, eth0, FlagStatic)
	require.NoError(t, err)
	_, err = rt.Add(netip.MustParsePrefix("0.0.0.0/0"), netip.MustParseAddr("10.0.0.254"), eth0, FlagStatic)
	require.NoError(t, err)

	dst := netip.MustParseAddr("172.16.1.1")
	better := netip.MustParseAddr("10.0.0.253")

	err = rt.Redirect(dst, better, netip.MustParseAddr("10.0.0.99"), ifaces)
	assert.ErrorIs(t, err, core.ErrInvalidArgument, "redirect not from the current router")

	require.NoError(t, rt.Redirect(dst, better, netip.MustParseAddr("10.0.0.254"), ifaces))
	e := rt.Lookup(dst)
	require.NotNil(t, e)
	assert.Equal(t, better, e.NextHop(dst))
	assert.NotZero(t, e.Flags()&FlagDynamic)
	assert.NotZero(t, e.Flags()&FlagHost)
}

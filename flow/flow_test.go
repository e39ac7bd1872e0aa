package flow

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/darkit/protoid"
	"github.com/darkit/protoid/protocols"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	clientIP = net.IPv4(10, 0, 0, 1)
	serverIP = net.IPv4(10, 0, 0, 2)
	epoch    = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func tcpKey(srcPort, dstPort uint16) Key {
	return keyFor(clientIP, serverIP, srcPort, dstPort)
}

func keyFor(srcIP, dstIP net.IP, srcPort, dstPort uint16) Key {
	src := layers.NewIPEndpoint(srcIP.To4())
	dst := layers.NewIPEndpoint(dstIP.To4())
	return Key{
		Network:   gopacket.NewFlow(layers.EndpointIPv4, src.Raw(), dst.Raw()),
		Transport: gopacket.NewFlow(layers.EndpointTCPPort, layers.NewTCPPortEndpoint(layers.TCPPort(srcPort)).Raw(), layers.NewTCPPortEndpoint(layers.TCPPort(dstPort)).Raw()),
	}
}

func newTable(t *testing.T, opts ...Option) *Table {
	t.Helper()
	tbl, err := NewTable(protoid.NewIdentifier(protoid.WithSignatures(protocols.Extended()...)), opts...)
	require.NoError(t, err)
	return tbl
}

func TestObserveClassifiesAcrossSegments(t *testing.T) {
	tbl := newTable(t)
	key := tcpKey(40000, 443)

	r := tbl.Observe(key, []byte{0x16, 0x03}, epoch)
	assert.False(t, r.Classified())

	r = tbl.Observe(key, []byte{0x01, 0x02, 0x00, 0x01, 0x00}, epoch.Add(time.Millisecond))
	require.True(t, r.Classified())
	assert.Equal(t, protocols.Inference{Direction: protocols.DirectionClient, Application: protocols.AppTLS}, r.Inference)
	assert.Equal(t, 2, r.Packets)
	assert.Equal(t, 7, r.Bytes)

	// 已识别后不再追加前缀
	r = tbl.Observe(key, []byte("more"), epoch.Add(2*time.Millisecond))
	assert.Equal(t, 7, len(r.Prefix()))
	assert.Equal(t, 3, r.Packets)
	assert.Equal(t, epoch, r.FirstSeen)
	assert.Equal(t, epoch.Add(2*time.Millisecond), r.LastSeen)
}

func TestObserveGivesUpAfterPrefix(t *testing.T) {
	tbl := newTable(t, WithPrefix(4))
	key := tcpKey(40001, 9999)

	r := tbl.Observe(key, []byte{0xee, 0xee, 0xee, 0xee, 0xee, 0xee}, epoch)
	assert.False(t, r.Classified())
	assert.Len(t, r.Prefix(), 4)

	// 前缀已满，后续数据不会再被识别
	r = tbl.Observe(key, []byte("SSH-2.0"), epoch)
	assert.False(t, r.Classified())
	assert.Len(t, r.Prefix(), 4)
}

func TestObserveDirectionsAreSeparate(t *testing.T) {
	tbl := newTable(t)
	key := tcpKey(40002, 443)

	tbl.Observe(key, []byte{0x16, 0x03, 0x01, 0x00, 0x10, 0x01}, epoch)
	tbl.Observe(key.Reverse(), []byte{0x16, 0x03, 0x01, 0x00, 0x10, 0x02}, epoch.Add(time.Millisecond))
	assert.Equal(t, 2, tbl.Len())

	c, ok := tbl.Get(key)
	require.True(t, ok)
	assert.Equal(t, protocols.DirectionClient, c.Inference.Direction)

	s, ok := tbl.Get(key.Reverse())
	require.True(t, ok)
	assert.Equal(t, protocols.DirectionServer, s.Inference.Direction)

	records := tbl.Records()
	require.Len(t, records, 2)
	assert.Equal(t, key, records[0].Key)
	assert.Contains(t, key.String(), "10.0.0.1:")
	assert.Contains(t, key.String(), "->10.0.0.2:")
}

func TestObserveEmptyPayload(t *testing.T) {
	tbl := newTable(t)
	r := tbl.Observe(tcpKey(1, 2), nil, epoch)
	assert.Equal(t, 1, r.Packets)
	assert.False(t, r.Classified())
	assert.Empty(t, r.Prefix())
}

func TestTableEviction(t *testing.T) {
	var evicted []Record
	tbl := newTable(t, WithSize(2), WithEvictCallback(func(r Record) {
		evicted = append(evicted, r)
	}))

	tbl.Observe(tcpKey(1, 22), []byte("SSH-2.0"), epoch)
	tbl.Observe(tcpKey(2, 80), []byte("GET / HTTP/1.1"), epoch)
	tbl.Observe(tcpKey(3, 6379), []byte("*1\r\n"), epoch)

	assert.Equal(t, 2, tbl.Len())
	require.Len(t, evicted, 1)
	assert.Equal(t, tcpKey(1, 22), evicted[0].Key)
	assert.Equal(t, protocols.AppSSH, evicted[0].Inference.Application)

	_, ok := tbl.Get(tcpKey(1, 22))
	assert.False(t, ok)
}

// writePcap 生成包含给定 TCP 负载的以太网抓包
func writePcap(t *testing.T, segments []segment) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for i, s := range segments {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    s.src,
			DstIP:    s.dst,
		}
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(s.sport),
			DstPort: layers.TCPPort(s.dport),
			Seq:     uint32(1000 + i),
			PSH:     true,
			ACK:     true,
			Window:  65535,
		}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

		out := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(out, opts, eth, ip, tcp, gopacket.Payload(s.payload)))

		data := out.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     epoch.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return buf.Bytes()
}

type segment struct {
	src, dst     net.IP
	sport, dport uint16
	payload      []byte
}

func TestReadPcap(t *testing.T) {
	capture := writePcap(t, []segment{
		{clientIP, serverIP, 40000, 443, []byte{0x16, 0x03, 0x01, 0x00, 0xc8, 0x01, 0x00}},
		{serverIP, clientIP, 443, 40000, []byte{0x16, 0x03, 0x01, 0x00, 0x31, 0x02, 0x00}},
		{clientIP, serverIP, 40001, 22, nil},
		{clientIP, serverIP, 40001, 22, []byte("SSH-2.0-Go\r\n")},
		{clientIP, serverIP, 40002, 5000, []byte{0x17, 0x03, 0x03}},
	})

	tbl := newTable(t)
	st, err := ReadPcap(context.Background(), bytes.NewReader(capture), tbl)
	require.NoError(t, err)
	assert.Equal(t, Stats{Packets: 5, Payloads: 4, Skipped: 0}, st)
	assert.Equal(t, 4, tbl.Len())

	get := func(k Key) Record {
		t.Helper()
		r, ok := tbl.Get(k)
		require.True(t, ok, k.String())
		return r
	}

	c := get(tcpKey(40000, 443))
	assert.Equal(t, protocols.Inference{Direction: protocols.DirectionClient, Application: protocols.AppTLS}, c.Inference)
	s := get(keyFor(serverIP, clientIP, 443, 40000))
	assert.Equal(t, protocols.Inference{Direction: protocols.DirectionServer, Application: protocols.AppTLS}, s.Inference)

	ssh := get(tcpKey(40001, 22))
	assert.Equal(t, protocols.AppSSH, ssh.Inference.Application)
	assert.Equal(t, 2, ssh.Packets)

	assert.False(t, get(tcpKey(40002, 5000)).Classified())
}

func TestReadPcapCanceled(t *testing.T) {
	capture := writePcap(t, []segment{{clientIP, serverIP, 1, 2, []byte("x")}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st, err := ReadPcap(ctx, bytes.NewReader(capture), newTable(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, st.Packets)
}

func TestReadPcapBadHeader(t *testing.T) {
	_, err := ReadPcap(context.Background(), bytes.NewReader([]byte("not a capture file")), newTable(t))
	assert.Error(t, err)
}

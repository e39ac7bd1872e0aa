package flow

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/darkit/slog"
	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
)

// Stats 一次抓包读取的统计
type Stats struct {
	Packets  int // 解码的数据包数
	Payloads int // 带传输层负载的数据包数
	Skipped  int // 缺少网络层或传输层的数据包数
}

// ReadPcap 解码 r 中的 libpcap 抓包，将每个 TCP/UDP 负载送入 t。
// 读到文件末尾、读取出错或 ctx 结束时返回。
func ReadPcap(ctx context.Context, r io.Reader, t *Table) (Stats, error) {
	var st Stats

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return st, fmt.Errorf("open pcap: %w", err)
	}

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("read packet %d: %w", st.Packets+1, err)
		}
		st.Packets++

		if fail := packet.ErrorLayer(); fail != nil {
			slog.Debug("数据包解码失败", "packet", st.Packets, "error", fail.Error())
		}

		network := packet.NetworkLayer()
		transport := packet.TransportLayer()
		if network == nil || transport == nil {
			st.Skipped++
			continue
		}

		key := Key{Network: network.NetworkFlow(), Transport: transport.TransportFlow()}
		payload := transport.LayerPayload()
		if len(payload) > 0 {
			st.Payloads++
		}
		t.Observe(key, payload, packet.Metadata().Timestamp)
	}
}

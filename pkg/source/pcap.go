package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"

	"github.com/objones25/go-traffic-sentinel/pkg/anomaly"
	"github.com/objones25/go-traffic-sentinel/pkg/logging"
	"github.com/objones25/go-traffic-sentinel/pkg/metrics"
)

// Metrics produced from packet captures
const (
	MetricPackets = "pkt_count"
	MetricBytes   = "bytes"
	MetricSYN     = "syn_count"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// PcapSource aggregates a capture file into per-minute rows keyed by
// source address. pkt_count and bytes are split by "<proto>/<dst port>",
// syn_count counts bare TCP SYNs per source.
type PcapSource struct {
	path   string
	logger *zap.Logger
}

// NewPcapSource creates a source reading a pcap or pcapng file
func NewPcapSource(path string, logger *zap.Logger) *PcapSource {
	return &PcapSource{path: path, logger: logging.OrNop(logger).Named("pcap")}
}

func (s *PcapSource) Name() string { return "pcap" }

func (s *PcapSource) Fetch(ctx context.Context, w Window) ([]anomaly.Row, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()

	rows, err := AggregatePackets(ctx, f, w)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	metrics.SourceRowsTotal.WithLabelValues(s.Name()).Add(float64(len(rows)))
	s.logger.Debug("aggregated capture", zap.String("path", s.path), zap.Int("rows", len(rows)))
	return rows, nil
}

// packetInfo is what the aggregation needs from one decoded packet
type packetInfo struct {
	Timestamp time.Time
	Source    string
	Protocol  string
	DstPort   uint16
	SrcPort   uint16
	Length    int
	SYN       bool
}

type pcapBucket struct {
	minute time.Time
	key    string
	subkey string
	metric string
}

// AggregatePackets reads a capture stream and returns rows for packets
// inside w
func AggregatePackets(ctx context.Context, r io.Reader, w Window) ([]anomaly.Row, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var packetSource *gopacket.PacketSource
	if string(magic) == string(pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, err
		}
		packetSource = gopacket.NewPacketSource(ng, ng.LinkType())
	} else {
		rd, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, err
		}
		packetSource = gopacket.NewPacketSource(rd, rd.LinkType())
	}
	packetSource.DecodeOptions.Lazy = true
	packetSource.DecodeOptions.NoCopy = true

	counts := make(map[pcapBucket]float64)
	apps := make(map[pcapBucket]string)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		packet, err := packetSource.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		info, ok := decodePacket(packet)
		if !ok || !w.Contains(info.Timestamp) {
			continue
		}
		minute := info.Timestamp.UTC().Truncate(time.Minute)

		subkey := strings.ToLower(info.Protocol)
		if info.DstPort > 0 {
			subkey = fmt.Sprintf("%s/%d", subkey, info.DstPort)
		}
		pkts := pcapBucket{minute: minute, key: info.Source, subkey: subkey, metric: MetricPackets}
		byts := pkts
		byts.metric = MetricBytes
		counts[pkts]++
		counts[byts] += float64(info.Length)
		if app := determineApplication(info.SrcPort, info.DstPort); app != "" {
			apps[pkts] = app
			apps[byts] = app
		}

		if info.SYN {
			counts[pcapBucket{minute: minute, key: info.Source, subkey: anomaly.NoSubkey, metric: MetricSYN}]++
		}
	}

	buckets := make([]pcapBucket, 0, len(counts))
	for b := range counts {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool {
		a, b := buckets[i], buckets[j]
		if !a.minute.Equal(b.minute) {
			return a.minute.Before(b.minute)
		}
		if a.metric != b.metric {
			return a.metric < b.metric
		}
		if a.key != b.key {
			return a.key < b.key
		}
		return a.subkey < b.subkey
	})

	rows := make([]anomaly.Row, 0, len(buckets))
	for _, b := range buckets {
		row := anomaly.Row{
			anomaly.ColumnMinute: b.minute,
			anomaly.ColumnKey:    b.key,
			anomaly.ColumnSubkey: b.subkey,
			anomaly.ColumnValue:  counts[b],
			anomaly.ColumnMetric: b.metric,
			"client_ip":          b.key,
		}
		if app, ok := apps[b]; ok {
			row["app"] = app
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// decodePacket extracts addressing from a packet. Packets without an IP
// layer are skipped.
func decodePacket(packet gopacket.Packet) (packetInfo, bool) {
	info := packetInfo{
		Timestamp: packet.Metadata().Timestamp,
		Length:    packet.Metadata().Length,
	}
	if info.Length == 0 {
		info.Length = len(packet.Data())
	}

	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		info.Source = ip.SrcIP.String()
		info.Protocol = ip.Protocol.String()
	case *layers.IPv6:
		info.Source = ip.SrcIP.String()
		info.Protocol = ip.NextHeader.String()
	default:
		return info, false
	}

	if tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		info.SrcPort = uint16(tcp.SrcPort)
		info.DstPort = uint16(tcp.DstPort)
		info.Protocol = "TCP"
		info.SYN = tcp.SYN && !tcp.ACK
	} else if udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		info.SrcPort = uint16(udp.SrcPort)
		info.DstPort = uint16(udp.DstPort)
		info.Protocol = "UDP"
	}
	return info, true
}

var wellKnownPorts = map[uint16]string{
	80:   "HTTP",
	443:  "HTTPS",
	53:   "DNS",
	22:   "SSH",
	21:   "FTP",
	25:   "SMTP",
	3306: "MySQL",
	5432: "PostgreSQL",
	6379: "Redis",
	8080: "HTTP-ALT",
}

// determineApplication names the service by port, destination first
func determineApplication(srcPort, dstPort uint16) string {
	if app, ok := wellKnownPorts[dstPort]; ok {
		return app
	}
	if app, ok := wellKnownPorts[srcPort]; ok {
		return app
	}
	return ""
}

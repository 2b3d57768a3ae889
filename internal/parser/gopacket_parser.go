package parser

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

// GopacketSource reads packet samples from a pcap or pcapng file.
type GopacketSource struct {
	PcapFile     string
	errorHandler ErrorHandler
}

// NewGopacketSource creates a source for pcapFile. A nil errorHandler ignores
// decode errors.
func NewGopacketSource(pcapFile string, errorHandler ErrorHandler) *GopacketSource {
	if errorHandler == nil {
		errorHandler = NewNoOpErrorHandler()
	}
	return &GopacketSource{PcapFile: pcapFile, errorHandler: errorHandler}
}

func (s *GopacketSource) ReadSamples(ctx context.Context, handle func(model.PacketSample) error) error {
	h, err := pcap.OpenOffline(s.PcapFile)
	if err != nil {
		return fmt.Errorf("failed to open pcap: %w", err)
	}
	defer h.Close()

	return ReadPackets(ctx, gopacket.NewPacketSource(h, h.LinkType()), s.errorHandler, handle)
}

// ReadPackets drains src, converting every TCP or UDP packet over IPv4 or
// IPv6 into a sample. Packets that fail to decode are reported to
// errorHandler and skipped; other packets are skipped silently.
func ReadPackets(ctx context.Context, src *gopacket.PacketSource, errorHandler ErrorHandler, handle func(model.PacketSample) error) error {
	src.DecodeOptions.Lazy = true
	src.DecodeOptions.NoCopy = true

	for index := 1; ; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		packet, err := src.NextPacket()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// A read error ends the capture; gopacket cannot resync.
			return errorHandler.HandleDecodeError(&DecodeError{Layer: "capture", Err: err, PacketIndex: index})
		}

		if errLayer := packet.ErrorLayer(); errLayer != nil {
			md := packet.Metadata()
			decodeErr := &DecodeError{
				Layer:       errLayer.LayerType().String(),
				Err:         errLayer.Error(),
				Timestamp:   md.Timestamp,
				Length:      md.Length,
				PacketIndex: index,
				PacketData:  packet.Data(),
			}
			if err := errorHandler.HandleDecodeError(decodeErr); err != nil {
				return err
			}
			continue
		}

		sample, ok := SampleFromPacket(packet)
		if !ok {
			continue
		}
		if err := handle(sample); err != nil {
			return err
		}
	}
}

// SampleFromPacket extracts the transport payload, endpoints and wire length
// of a TCP or UDP packet.
func SampleFromPacket(packet gopacket.Packet) (model.PacketSample, bool) {
	var sample model.PacketSample

	switch network := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		sample.SrcIP, sample.DstIP = network.SrcIP.String(), network.DstIP.String()
	case *layers.IPv6:
		sample.SrcIP, sample.DstIP = network.SrcIP.String(), network.DstIP.String()
	default:
		return sample, false
	}

	switch tr := packet.TransportLayer().(type) {
	case *layers.TCP:
		sample.Transport = "TCP"
		sample.SrcPort, sample.DstPort = uint16(tr.SrcPort), uint16(tr.DstPort)
		sample.Payload = tr.LayerPayload()
	case *layers.UDP:
		sample.Transport = "UDP"
		sample.SrcPort, sample.DstPort = uint16(tr.SrcPort), uint16(tr.DstPort)
		sample.Payload = tr.LayerPayload()
	default:
		return sample, false
	}

	md := packet.Metadata()
	sample.Timestamp = md.Timestamp
	sample.PacketLength = uint32(md.Length)
	if sample.PacketLength == 0 {
		sample.PacketLength = uint32(len(packet.Data()))
	}
	return sample, true
}

package pattern

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

// Well-known UDP tunnel ports.
const (
	PortVXLAN  = 4789
	PortGeneve = 6081
	PortGTPU   = 2152
)

type tunnel struct {
	name      string
	layerType gopacket.LayerType
	valid     func(header []byte) bool
}

var tunnelPorts = map[uint16]tunnel{
	PortVXLAN:  {"VXLAN", layers.LayerTypeVXLAN, validVXLAN},
	PortGeneve: {"Geneve", layers.LayerTypeGeneve, validGeneve},
	PortGTPU:   {"GTP-U", layers.LayerTypeGTPv1U, validGTPU},
}

// validVXLAN requires the I flag with every reserved bit clear (RFC 7348).
// The gopacket decoder checks neither.
func validVXLAN(h []byte) bool {
	return h[0] == 0x08 && h[1] == 0 && h[2] == 0 && h[3] == 0 && h[7] == 0
}

// validGeneve requires version 0, zero reserved bits and room for the
// announced options (RFC 8926).
func validGeneve(h []byte) bool {
	optLen := int(h[0]&0x3F) * 4
	return h[0]>>6 == 0 && h[1]&0x3F == 0 && 8+optLen <= len(h)
}

// validGTPU requires version 1 with the GTP protocol type bit and a message
// length that fits the payload.
func validGTPU(h []byte) bool {
	length := int(h[2])<<8 | int(h[3])
	return h[0]>>5 == 1 && h[0]&0x10 != 0 && 8+length <= len(h)
}

// detectEncapsulation decodes payload as a tunnel header when either port is
// a tunnel port. The destination port is tried first.
func detectEncapsulation(payload []byte, srcPort, dstPort uint16, transport string) *model.Encapsulation {
	if transport != "UDP" || len(payload) < 8 {
		return nil
	}
	for _, port := range [2]uint16{dstPort, srcPort} {
		tun, ok := tunnelPorts[port]
		if !ok {
			continue
		}
		if enc := decodeTunnel(payload, tun); enc != nil {
			return enc
		}
	}
	return nil
}

func decodeTunnel(payload []byte, tun tunnel) *model.Encapsulation {
	if !tun.valid(payload) {
		return nil
	}
	packet := gopacket.NewPacket(payload, tun.layerType, gopacket.DecodeOptions{Lazy: false, NoCopy: true})
	all := packet.Layers()
	for i, l := range all {
		if l.LayerType() != tun.layerType {
			continue
		}
		inner := "none"
		if i+1 < len(all) {
			inner = all[i+1].LayerType().String()
		}
		return &model.Encapsulation{
			OuterProtocol:     tun.name,
			InnerType:         inner,
			InnerHeaderOffset: len(l.LayerContents()),
		}
	}
	return nil
}

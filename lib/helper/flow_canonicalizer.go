package helper

// Endpoint is one side of a transport flow.
type Endpoint struct {
	IP   string
	Port uint16
}

// FlowCanonicalizer decides which side of a flow is the client, so that
// packets in both directions are accounted to one flow record.
type FlowCanonicalizer interface {
	Canonicalize(src, dst Endpoint, transport string) (client, server Endpoint, reversed bool)
	IsServicePort(port uint16) bool
}

// FlowCanonicalizerImpl orients flows by service ports, falling back to the
// numerically lower port and then to a lexicographic address order.
type FlowCanonicalizerImpl struct {
	isService func(port uint16) bool
}

// NewFlowCanonicalizer creates a canonicalizer. isService reports whether a
// port is a known server port; nil means only ports below 1024 count.
func NewFlowCanonicalizer(isService func(port uint16) bool) *FlowCanonicalizerImpl {
	if isService == nil {
		isService = func(port uint16) bool { return port > 0 && port < 1024 }
	}
	return &FlowCanonicalizerImpl{isService: isService}
}

func (f *FlowCanonicalizerImpl) IsServicePort(port uint16) bool {
	return f.isService(port)
}

// Canonicalize returns the client and server endpoints. reversed is true when
// the packet travelled server -> client.
func (f *FlowCanonicalizerImpl) Canonicalize(src, dst Endpoint, transport string) (Endpoint, Endpoint, bool) {
	srcService := f.isService(src.Port)
	dstService := f.isService(dst.Port)

	switch {
	case dstService && !srcService:
		return src, dst, false
	case srcService && !dstService:
		return dst, src, true
	case srcService && dstService:
		// both look like servers; keep the packet direction
		return src, dst, false
	}

	if src.Port != dst.Port {
		if dst.Port < src.Port {
			return src, dst, false
		}
		return dst, src, true
	}
	if src.IP <= dst.IP {
		return src, dst, false
	}
	return dst, src, true
}

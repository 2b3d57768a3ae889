package classifier

import (
	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

// PortConfidence is the fixed confidence of a port-table verdict.
const PortConfidence = 0.6

// PortInfo describes a well-known service port.
type PortInfo struct {
	Protocol    string
	Description string
	Category    string
}

var defaultPorts = map[uint16]PortInfo{
	20:    {"FTP-DATA", "FTP data transfer", CategoryFileTransfer},
	21:    {"FTP", "FTP control", CategoryFileTransfer},
	22:    {"SSH", "Secure Shell", CategoryRemoteAccess},
	23:    {"Telnet", "Telnet", CategoryRemoteAccess},
	25:    {"SMTP", "Simple Mail Transfer", CategoryEmail},
	53:    {"DNS", "Domain Name System", CategoryNetwork},
	67:    {"DHCP", "DHCP server", CategoryNetwork},
	68:    {"DHCP", "DHCP client", CategoryNetwork},
	69:    {"TFTP", "Trivial File Transfer", CategoryFileTransfer},
	80:    {"HTTP", "Hypertext Transfer Protocol", CategoryWeb},
	102:   {"S7comm", "Siemens S7 over ISO-TSAP", CategoryIndustrial},
	110:   {"POP3", "Post Office Protocol v3", CategoryEmail},
	123:   {"NTP", "Network Time Protocol", CategoryNetwork},
	135:   {"MS-RPC", "Microsoft RPC endpoint mapper", CategoryNetwork},
	137:   {"NetBIOS-NS", "NetBIOS name service", CategoryFileSharing},
	138:   {"NetBIOS-DGM", "NetBIOS datagram service", CategoryFileSharing},
	139:   {"NetBIOS-SSN", "NetBIOS session service", CategoryFileSharing},
	143:   {"IMAP", "Internet Message Access Protocol", CategoryEmail},
	161:   {"SNMP", "Simple Network Management", CategoryManagement},
	162:   {"SNMP-Trap", "SNMP traps", CategoryManagement},
	389:   {"LDAP", "Lightweight Directory Access", CategoryDirectory},
	443:   {"HTTPS", "HTTP over TLS", CategoryWeb},
	445:   {"SMB", "Server Message Block", CategoryFileSharing},
	465:   {"SMTPS", "SMTP over TLS", CategoryEmail},
	502:   {"Modbus", "Modbus/TCP", CategoryIndustrial},
	514:   {"Syslog", "Syslog", CategoryManagement},
	587:   {"SMTP", "Mail submission", CategoryEmail},
	636:   {"LDAPS", "LDAP over TLS", CategoryDirectory},
	990:   {"FTPS", "FTP over TLS", CategoryFileTransfer},
	993:   {"IMAPS", "IMAP over TLS", CategoryEmail},
	995:   {"POP3S", "POP3 over TLS", CategoryEmail},
	1433:  {"MSSQL", "Microsoft SQL Server", CategoryDatabase},
	1521:  {"Oracle", "Oracle TNS listener", CategoryDatabase},
	1883:  {"MQTT", "MQTT", CategoryMessaging},
	3306:  {"MySQL", "MySQL", CategoryDatabase},
	3389:  {"RDP", "Remote Desktop Protocol", CategoryRemoteAccess},
	4840:  {"OPC UA", "OPC Unified Architecture", CategoryIndustrial},
	5060:  {"SIP", "Session Initiation Protocol", CategoryVoIP},
	5061:  {"SIPS", "SIP over TLS", CategoryVoIP},
	5432:  {"PostgreSQL", "PostgreSQL", CategoryDatabase},
	5900:  {"VNC", "Virtual Network Computing", CategoryRemoteAccess},
	6379:  {"Redis", "Redis", CategoryDatabase},
	8080:  {"HTTP", "HTTP alternate", CategoryWeb},
	8443:  {"HTTPS", "HTTPS alternate", CategoryWeb},
	8883:  {"MQTTS", "MQTT over TLS", CategoryMessaging},
	20000: {"DNP3", "Distributed Network Protocol 3", CategoryIndustrial},
	27017: {"MongoDB", "MongoDB", CategoryDatabase},
	44818: {"EtherNet/IP", "EtherNet/IP explicit messaging", CategoryIndustrial},
	47808: {"BACnet", "BACnet/IP", CategoryIndustrial},
}

var encryptedPorts = map[uint16]bool{
	22:   true,
	443:  true,
	465:  true,
	636:  true,
	990:  true,
	993:  true,
	995:  true,
	5061: true,
	8443: true,
	8883: true,
}

// PortBasedClassifier maps ports to protocols through a static table.
type PortBasedClassifier struct {
	ports map[uint16]PortInfo
}

// NewPortBasedClassifier returns a classifier over the built-in port table.
func NewPortBasedClassifier() *PortBasedClassifier {
	return &PortBasedClassifier{ports: defaultPorts}
}

// Classify checks dstPort first and falls back to srcPort.
func (c *PortBasedClassifier) Classify(srcPort, dstPort uint16, transport string) (model.ProtocolMatch, bool) {
	for _, port := range [2]uint16{dstPort, srcPort} {
		info, ok := c.LookupPort(port)
		if !ok {
			continue
		}
		return model.ProtocolMatch{
			Protocol:     info.Protocol,
			Confidence:   PortConfidence,
			Method:       model.MethodPort,
			Category:     info.Category,
			IsEncrypted:  IsEncryptedPort(port),
			ServiceLabel: model.ServiceLabelFor(info.Protocol, port),
			Evidence: model.PortEvidence{
				Port:        port,
				Description: info.Description,
				Transport:   transport,
			},
		}, true
	}
	return model.ProtocolMatch{}, false
}

// LookupPort returns the table entry for port.
func (c *PortBasedClassifier) LookupPort(port uint16) (PortInfo, bool) {
	info, ok := c.ports[port]
	return info, ok
}

// IsServicePort reports whether port has a table entry.
func (c *PortBasedClassifier) IsServicePort(port uint16) bool {
	_, ok := c.ports[port]
	return ok
}

// IsEncryptedPort reports whether port normally carries an encrypted protocol.
func IsEncryptedPort(port uint16) bool {
	return encryptedPorts[port]
}

package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/libp2p/zeroconf/v2"
)

// MDBrowser browses with zeroconf on every up, non-loopback interface.
type MDBrowser struct {
	ifaces []net.Interface
}

func NewMDBrowser() *MDBrowser {
	return &MDBrowser{ifaces: upInterfaces()}
}

func (b *MDBrowser) Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error {
	rawEntries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-rawEntries:
				if !ok || entry == nil {
					return
				}
				converted := ServiceEntry{
					Instance: entry.Instance,
					HostName: entry.HostName,
					Port:     entry.Port,
					IPv4:     append([]net.IP(nil), entry.AddrIPv4...),
					IPv6:     append([]net.IP(nil), entry.AddrIPv6...),
					Text:     append([]string(nil), entry.Text...),
				}
				select {
				case <-ctx.Done():
					return
				case entries <- converted:
				}
			}
		}
	}()

	if len(b.ifaces) > 0 {
		return zeroconf.Browse(ctx, service, domain, rawEntries, zeroconf.SelectIfaces(b.ifaces))
	}
	return zeroconf.Browse(ctx, service, domain, rawEntries)
}

type Advertisement struct {
	Instance  string
	Service   string
	Domain    string
	Port      int
	Workspace string
	Version   string
}

// Text renders the TXT records published for a.
func (a Advertisement) Text() []string {
	var txt []string
	if a.Workspace != "" {
		txt = append(txt, txtWorkspace+a.Workspace)
	}
	if a.Version != "" {
		txt = append(txt, "version="+a.Version)
	}
	return txt
}

type Advertiser struct {
	server *zeroconf.Server
}

func StartAdvertiser(a Advertisement) (*Advertiser, error) {
	q := Query{Service: a.Service, Domain: a.Domain}.normalized()
	instance := strings.TrimSpace(a.Instance)
	if instance == "" {
		instance = "sentinel"
	}
	if a.Port <= 0 || a.Port > 65535 {
		return nil, fmt.Errorf("invalid advertise port: %d", a.Port)
	}

	server, err := zeroconf.Register(instance, q.Service, q.Domain, a.Port, a.Text(), upInterfaces())
	if err != nil {
		return nil, fmt.Errorf("start mdns advertiser: %w", err)
	}
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Close() error {
	if a == nil || a.server == nil {
		return nil
	}
	a.server.Shutdown()
	return nil
}

func upInterfaces() []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		out = append(out, iface)
	}
	return out
}

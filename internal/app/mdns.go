package app

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/juju/errors"
)

const (
	mdnsServiceType = "_skyrelay._tcp"
	mdnsDomain      = "local."
	defaultMDNSName = "SkyRelay Telemetry"
)

// startMDNS advertises the HTTP and /ws endpoint on the local network so
// observers can find the server without configuration.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return errors.NotValidf("port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "skyrelay"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("%s (%s)", defaultMDNSName, hostname))
	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, a.mdnsTXT(hostname), nil)
	if err != nil {
		return errors.Annotate(err, "register mDNS service")
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) mdnsTXT(hostname string) []string {
	host := sanitizeMDNSHost(hostname)
	if !strings.Contains(host, ".") {
		host += ".local"
	}
	txt := []string{
		fmt.Sprintf("http_port=%d", a.cfg.HTTPPort),
		"ws_path=/ws",
		"proto=v1",
		fmt.Sprintf("host=%s", host),
	}
	if a.cfg.MQTTEmbedded {
		if _, port, err := net.SplitHostPort(a.cfg.MQTTBindAddress); err == nil && port != "" {
			txt = append(txt, "mqtt_port="+port)
		}
	}
	return txt
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = defaultMDNSName
	}
	return truncateLabel(cleaned)
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = "skyrelay"
	}
	return truncateLabel(cleaned)
}

// truncateLabel keeps a DNS label within 63 characters.
func truncateLabel(s string) string {
	runes := []rune(s)
	if len(runes) > 63 {
		return string(runes[:63])
	}
	return s
}

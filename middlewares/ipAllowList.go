package middlewares

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// IPAllowList holds addresses and prefixes the marketplace calls from.
// An empty list allows everything.
type IPAllowList struct {
	prefixes []netip.Prefix
}

func ParseIPAllowList(entries []string) (*IPAllowList, error) {
	list := &IPAllowList{}
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("allow-list entry %q: %w", raw, err)
			}
			list.prefixes = append(list.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("allow-list entry %q: %w", raw, err)
		}
		addr = addr.Unmap()
		list.prefixes = append(list.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return list, nil
}

func (l *IPAllowList) Empty() bool {
	return l == nil || len(l.prefixes) == 0
}

func (l *IPAllowList) Allows(ip string) bool {
	if l.Empty() {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// LogUnlistedIPs warns about callers outside the list. It never blocks.
func LogUnlistedIPs(list *IPAllowList, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ip := c.ClientIP(); !list.Allows(ip) {
			logger.WithFields(logrus.Fields{
				"field":     "WebhookIPAllowList",
				"client_ip": ip,
				"path":      c.Request.URL.Path,
			}).Warn("webhook caller not in allow-list")
		}
		c.Next()
	}
}

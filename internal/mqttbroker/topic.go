package mqttbroker

import "strings"

// Match reports whether topic matches the subscription filter, honouring the
// single-level (+) and multi-level (#) wildcards.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")

	for i, f := range fparts {
		switch {
		case f == "#":
			return i == len(fparts)-1
		case i >= len(tparts):
			return false
		case f == "+":
			continue
		case f != tparts[i]:
			return false
		}
	}
	return len(fparts) == len(tparts)
}

// ValidFilter reports whether a subscription filter is well formed.
func ValidFilter(filter string) bool {
	if filter == "" {
		return false
	}
	parts := strings.Split(filter, "/")
	for i, p := range parts {
		if strings.Contains(p, "#") && (p != "#" || i != len(parts)-1) {
			return false
		}
		if strings.Contains(p, "+") && p != "+" {
			return false
		}
	}
	return true
}

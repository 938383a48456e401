package node

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

const FallbackID = "device001"

// ReservedIDChars are the MQTT separator and wildcards.
const ReservedIDChars = "/+#"

var ErrInvalidID = errors.New("invalid node id")

// Identity is the node's immutable id; it builds every topic the node uses.
type Identity struct {
	id     string
	source string
}

func NewIdentity(id string) Identity { return Identity{id: id, source: "config"} }

func (i Identity) String() string { return i.id }
func (i Identity) Source() string { return i.source }

// ResolveIdentity prefers the configured id, then the board serial from
// cpuinfo, and finally FallbackID. The fallbacks only apply when nothing is
// configured; a configured id that cannot be used in a topic is an error.
func ResolveIdentity(configured, cpuinfoPath string) (Identity, error) {
	if configured = strings.TrimSpace(configured); configured != "" {
		if err := ValidateID(configured); err != nil {
			return Identity{}, err
		}
		return Identity{id: configured, source: "config"}, nil
	}
	if serial := readCPUSerial(cpuinfoPath); serial != "" {
		return Identity{id: serial, source: "cpuinfo"}, nil
	}
	return Identity{id: FallbackID, source: "default"}, nil
}

func ValidateID(id string) error {
	if strings.ContainsAny(id, ReservedIDChars) {
		return fmt.Errorf("%w %q: must not contain any of %q", ErrInvalidID, id, ReservedIDChars)
	}
	return nil
}

func readCPUSerial(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "serial") {
			continue
		}
		serial := strings.TrimLeft(strings.TrimSpace(val), "0")
		return sanitizeID(serial)
	}
	return ""
}

func sanitizeID(s string) string {
	s = strings.TrimSpace(s)
	if ValidateID(s) != nil {
		return ""
	}
	return s
}

type Topics struct {
	Command   string // pump/<id>
	PumpState string // pump/<id>/state
	Telemetry string // sensors/<id>/data
	Announce  string // sensors/<id>/node
	Status    string // sensors/<id>/status, carries the last will
}

func TopicsFor(id Identity) Topics {
	return Topics{
		Command:   "pump/" + id.id,
		PumpState: "pump/" + id.id + "/state",
		Telemetry: "sensors/" + id.id + "/data",
		Announce:  "sensors/" + id.id + "/node",
		Status:    "sensors/" + id.id + "/status",
	}
}

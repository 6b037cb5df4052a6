package store

import (
	"fmt"
	"time"
)

// Attribute keys accepted by Attributes.Set.
const (
	KeyIP              = "ip"
	KeyLastHeard       = "last_heard"
	KeyCellular        = "cellular"
	KeyProductID       = "product_id"
	KeyPlatformID      = "platform_id"
	KeyFirmwareVersion = "firmware_version"
	KeyConnected       = "connected"
)

// Attributes is the durable record kept for every identity ever seen.
type Attributes struct {
	Identity        string    `json:"identity"`
	IP              string    `json:"ip"`
	LastHeard       time.Time `json:"last_heard"`
	Cellular        bool      `json:"cellular"`
	ProductID       int       `json:"product_id"`
	PlatformID      int       `json:"platform_id"`
	FirmwareVersion int       `json:"firmware_version"`
	Connected       bool      `json:"connected"`
}

// Set assigns one attribute by key. Numeric keys accept any Go integer or
// float64 (as decoded from JSON).
func (a *Attributes) Set(key string, value any) error {
	switch key {
	case KeyIP:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("attribute %s: want string, got %T", key, value)
		}
		a.IP = s
	case KeyLastHeard:
		t, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("attribute %s: want time, got %T", key, value)
		}
		a.LastHeard = t
	case KeyCellular, KeyConnected:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("attribute %s: want bool, got %T", key, value)
		}
		if key == KeyCellular {
			a.Cellular = b
		} else {
			a.Connected = b
		}
	case KeyProductID, KeyPlatformID, KeyFirmwareVersion:
		n, ok := toInt(value)
		if !ok {
			return fmt.Errorf("attribute %s: want integer, got %T", key, value)
		}
		switch key {
		case KeyProductID:
			a.ProductID = n
		case KeyPlatformID:
			a.PlatformID = n
		default:
			a.FirmwareVersion = n
		}
	default:
		return fmt.Errorf("unknown attribute %q", key)
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

package discovery

import (
	"strings"

	"github.com/g960059/boardmon/internal/config"
	"github.com/g960059/boardmon/internal/model"
)

// Identifier recognizes boards from USB vendor/product ids in port
// properties.
type Identifier struct {
	byID map[string][]model.Board
}

func NewIdentifier(ids []config.BoardID) *Identifier {
	byID := map[string][]model.Board{}
	for _, id := range ids {
		key := usbKey(id.VID, id.PID)
		if key == "" || strings.TrimSpace(id.Name) == "" {
			continue
		}
		byID[key] = append(byID[key], model.Board{Name: id.Name, FQBN: id.FQBN})
	}
	return &Identifier{byID: byID}
}

func (i *Identifier) Identify(port model.Port) []model.Board {
	if i == nil {
		return nil
	}
	key := usbKey(port.Properties["vid"], port.Properties["pid"])
	if key == "" {
		return nil
	}
	matches := i.byID[key]
	return append([]model.Board(nil), matches...)
}

func usbKey(vid, pid string) string {
	vid, pid = normalizeHex(vid), normalizeHex(pid)
	if vid == "" || pid == "" {
		return ""
	}
	return vid + ":" + pid
}

func normalizeHex(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.TrimPrefix(v, "0x")
	if v == "" {
		return ""
	}
	for len(v) < 4 {
		v = "0" + v
	}
	return "0x" + v
}

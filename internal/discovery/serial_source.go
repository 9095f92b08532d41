package discovery

import (
	"context"
	"sort"
	"time"

	"go.bug.st/serial/enumerator"

	"github.com/g960059/boardmon/internal/logger"
	"github.com/g960059/boardmon/internal/model"
)

// SerialSource polls the OS serial port list and synthesizes add/remove
// events from the difference between consecutive polls.
type SerialSource struct {
	interval time.Duration
	identify *Identifier
	log      logger.Logger
	list     func() ([]*enumerator.PortDetails, error)
}

func NewSerialSource(interval time.Duration, identify *Identifier, log logger.Logger) *SerialSource {
	if log == nil {
		log = logger.Noop()
	}
	return &SerialSource{
		interval: interval,
		identify: identify,
		log:      log,
		list:     enumerator.GetDetailedPortsList,
	}
}

func (s *SerialSource) Run(ctx context.Context, emit func(Event) error) error {
	known := map[string]model.Port{}
	poll := func() error {
		details, err := s.list()
		if err != nil {
			s.log.Warn("list serial ports: %v", err)
			return nil
		}
		current := map[string]model.Port{}
		for _, d := range details {
			if d == nil || d.Name == "" {
				continue
			}
			current[d.Name] = portFromDetails(d)
		}
		for _, address := range sortedKeys(known) {
			if _, ok := current[address]; ok {
				continue
			}
			if err := emit(Event{Type: EventRemove, Port: known[address]}); err != nil {
				return err
			}
			delete(known, address)
		}
		for _, address := range sortedKeys(current) {
			if _, ok := known[address]; ok {
				continue
			}
			port := current[address]
			if err := emit(Event{Type: EventAdd, Port: port, Boards: s.identify.Identify(port)}); err != nil {
				return err
			}
			known[address] = port
		}
		return nil
	}

	if err := poll(); err != nil {
		return err
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := poll(); err != nil {
				return err
			}
		}
	}
}

func portFromDetails(d *enumerator.PortDetails) model.Port {
	port := model.Port{
		Address:       d.Name,
		Protocol:      "serial",
		Label:         d.Name,
		ProtocolLabel: "Serial Port",
	}
	if d.IsUSB {
		port.ProtocolLabel = "Serial Port (USB)"
		port.Properties = map[string]string{
			"vid":          normalizeHex(d.VID),
			"pid":          normalizeHex(d.PID),
			"serialNumber": d.SerialNumber,
		}
		if d.Product != "" {
			port.Label = d.Name + " (" + d.Product + ")"
		}
	}
	return port
}

func sortedKeys(m map[string]model.Port) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/g960059/boardmon/internal/config"
	"github.com/g960059/boardmon/internal/model"
)

func TestIdentifyNormalizesVIDPID(t *testing.T) {
	id := NewIdentifier([]config.BoardID{
		{VID: "0x2341", PID: "0x0043", FQBN: "arduino:avr:uno", Name: "Arduino Uno"},
		{VID: "2341", PID: "", FQBN: "arduino:avr:broken", Name: "ignored"},
	})

	port := model.Port{Address: "/dev/ttyACM0", Protocol: "serial", Properties: map[string]string{"vid": "2341", "pid": "43"}}
	assert.Equal(t, []model.Board{{Name: "Arduino Uno", FQBN: "arduino:avr:uno"}}, id.Identify(port))

	port.Properties["pid"] = "0x0058"
	assert.Empty(t, id.Identify(port))
	assert.Empty(t, id.Identify(model.Port{Address: "1.2.3.4", Protocol: "network"}))
}

func TestNilIdentifier(t *testing.T) {
	var id *Identifier
	assert.Nil(t, id.Identify(model.Port{Properties: map[string]string{"vid": "0x2341", "pid": "0x0043"}}))
}

// Package builtin registers the protocol servers shipped with the gateway.
package builtin

import (
	"iot-gateway/internal/protocol"
	"iot-gateway/internal/protocol/httpserver"
	"iot-gateway/internal/protocol/modbusserver"
	"iot-gateway/internal/protocol/mqttserver"
	"iot-gateway/internal/protocol/tcpserver"
	"iot-gateway/internal/protocol/wsserver"
)

// Register adds every built-in protocol to r.
func Register(r *protocol.Registry) error {
	for _, d := range []protocol.Descriptor{
		wsserver.Descriptor(),
		tcpserver.Descriptor(),
		mqttserver.Descriptor(),
		httpserver.Descriptor(),
		modbusserver.Descriptor(),
	} {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a sealed registry holding the built-in protocols.
func NewRegistry() (*protocol.Registry, error) {
	r := protocol.NewRegistry()
	if err := Register(r); err != nil {
		return nil, err
	}
	r.Seal()
	return r, nil
}

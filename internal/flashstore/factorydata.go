package flashstore

import "errors"

// FactoryData is the payload Store persists: the two secrets spec.md
// §4.8 names as surviving a reboot. Everything else the terminal needs
// (machine bindings, serial port, cloud URL) comes from config, not
// flash, since those can change without a factory re-provision.
type FactoryData struct {
	GatewaySecret [16]byte
	TerminalKey   [16]byte
}

const factoryDataLen = 32

// FactorySectorSize is the minimum Sector size required to hold one
// FactoryData record plus the Store's header and CRC, for callers
// sizing a FileSector or a real flash region.
const FactorySectorSize = headerLen + factoryDataLen + 4

// Encode serializes d to the flat payload Store.Write expects.
func (d FactoryData) Encode() []byte {
	buf := make([]byte, 0, factoryDataLen)
	buf = append(buf, d.GatewaySecret[:]...)
	buf = append(buf, d.TerminalKey[:]...)
	return buf
}

// DecodeFactoryData parses a payload previously produced by Encode.
func DecodeFactoryData(payload []byte) (FactoryData, error) {
	var d FactoryData
	if len(payload) != factoryDataLen {
		return d, errors.New("flashstore: factory data payload has wrong length")
	}
	copy(d.GatewaySecret[:], payload[0:16])
	copy(d.TerminalKey[:], payload[16:32])
	return d, nil
}

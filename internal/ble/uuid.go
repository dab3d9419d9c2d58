package ble

import "github.com/google/uuid"

// Nordic UART Service.
var (
	ServiceUUID = uuid.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	RXUUID      = uuid.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	TXUUID      = uuid.MustParse("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
)

// DefaultLocalName is the advertised name the companion app scans for.
const DefaultLocalName = "rpi-gatt-server"

// Package peripheral implements the transport-neutral core of a BLE GATT
// peripheral that publishes a single read/notify characteristic.
//
// The package provides:
//   - Characteristic store holding the latest encoded value
//   - Connection registry tracking peers and their subscription flag
//   - Advertising state machine (Stopped, Starting, Advertising, Failed)
//   - Request handlers invoked by a transport adapter (reads, CCCD writes, connection changes)
//   - Fan-out of notifications on every ingested sample
//
// A Transport adapter (see the go-ble subpackage) registers the service,
// drives advertising and delivers notifications; it reports asynchronous
// outcomes back through the Server's handler methods.
package peripheral

package fabric

import (
	"fmt"

	"github.com/emberline/nodecore/errors"
)

// AddressType discriminates the interface address union.
type AddressType uint8

const (
	// AddressBroadcast targets every peer reachable on the interface.
	AddressBroadcast AddressType = iota
	// AddressDeviceID targets a peer by its 64-bit device identifier.
	AddressDeviceID
	// AddressBluetooth targets a peer by Bluetooth address.
	AddressBluetooth
)

// BluetoothAddrType distinguishes public from random Bluetooth addresses.
type BluetoothAddrType uint8

const (
	BluetoothPublic BluetoothAddrType = iota
	BluetoothRandom
)

// Address is the tagged interface address union. Unknown tags are refused
// by every consumer.
type Address struct {
	Type     AddressType
	DeviceID uint64
	BT       [6]byte
	BTType   BluetoothAddrType
}

// Broadcast returns the broadcast address.
func Broadcast() Address {
	return Address{Type: AddressBroadcast}
}

// DeviceAddress returns an address targeting the given device identifier.
func DeviceAddress(id uint64) Address {
	return Address{Type: AddressDeviceID, DeviceID: id}
}

// BluetoothAddress returns an address targeting a Bluetooth peer.
func BluetoothAddress(addr [6]byte, addrType BluetoothAddrType) Address {
	return Address{Type: AddressBluetooth, BT: addr, BTType: addrType}
}

// Validate refuses addresses with unknown tags.
func (a Address) Validate() error {
	switch a.Type {
	case AddressBroadcast, AddressDeviceID, AddressBluetooth:
		return nil
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown address type %d", a.Type),
			"fabric", "Validate", "address tag check")
	}
}

// Equal reports whether two addresses name the same destination.
func (a Address) Equal(b Address) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case AddressBroadcast:
		return true
	case AddressDeviceID:
		return a.DeviceID == b.DeviceID
	case AddressBluetooth:
		return a.BT == b.BT && a.BTType == b.BTType
	default:
		return false
	}
}

// String renders the address for logs.
func (a Address) String() string {
	switch a.Type {
	case AddressBroadcast:
		return "broadcast"
	case AddressDeviceID:
		return fmt.Sprintf("device:%016x", a.DeviceID)
	case AddressBluetooth:
		kind := "public"
		if a.BTType == BluetoothRandom {
			kind = "random"
		}
		return fmt.Sprintf("bt-%s:%02x:%02x:%02x:%02x:%02x:%02x", kind,
			a.BT[0], a.BT[1], a.BT[2], a.BT[3], a.BT[4], a.BT[5])
	default:
		return fmt.Sprintf("unknown(%d)", a.Type)
	}
}

//go:build !linux

package ble

import (
	"errors"
	"time"
)

// NewBlueZRadio is only available on Linux.
func NewBlueZRadio(readyBackoffMax time.Duration) (Radio, error) {
	return nil, errors.New("ble: BlueZ radio requires linux")
}

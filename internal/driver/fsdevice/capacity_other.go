//go:build !linux && !darwin && !freebsd

package fsdevice

import (
	"errors"

	"portable-sync/internal/driver"
)

func capacity(string) (driver.Capacity, error) {
	return driver.Capacity{}, errors.New("capacity not available on this platform")
}

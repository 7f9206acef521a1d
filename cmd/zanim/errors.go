package main

import (
	"errors"
	"fmt"

	"github.com/paleumm/zanim/internal/device"
	"github.com/paleumm/zanim/internal/miscdev"
	"github.com/paleumm/zanim/registry"
)

// FormatUserError adds a hint to the errors a user can act on
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, miscdev.ErrRegistration) && errors.Is(err, registry.ErrRegistration):
		return fmt.Sprintf("%v\nhint: load fewer devices or raise --max-minors", err)
	case errors.Is(err, registry.ErrConfig):
		return fmt.Sprintf("%v\nhint: --devices must fit the platform int", err)
	case errors.Is(err, device.ErrAllocationFailure):
		return fmt.Sprintf("%v\nhint: raise --max-device-size or write less data", err)
	default:
		return err.Error()
	}
}

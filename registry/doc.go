// Package registry creates a fixed set of virtual devices and exposes each
// one through the host framework.
//
// Initialize is all-or-nothing: either every device gets an endpoint or none
// stays registered. Teardown unregisters every endpoint before any device is
// released, so no file operation can reach a released device.
//
//	host := miscdev.NewHost(nil)
//	reg, err := registry.Initialize(host, &registry.Options{Devices: 4})
//	if err != nil {
//		return err
//	}
//	defer reg.Teardown()
package registry

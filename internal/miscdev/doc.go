// Package miscdev is a small in-process stand-in for a misc-device framework.
//
// A driver registers an Opener under a name and gets a Registration. Callers
// open the endpoint through the Host, by name or by minor, and get a File that
// dispatches reads and writes into the driver's Handle with absolute offsets.
//
// Registrations may share a name. Opening by name then reaches the oldest
// live registration, and the others can only be reached by minor.
//
// Unregister drains calls that are already dispatched and stops new ones,
// so a driver can free its state as soon as Unregister returns.
package miscdev

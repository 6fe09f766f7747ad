//go:build windows

package grabber

// DefaultPort is used when no port path is given.
const DefaultPort = `\\.\com3`

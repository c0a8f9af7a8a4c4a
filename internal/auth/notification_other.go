//go:build !linux

package auth

// ShowPairingNotification only logs on platforms without a session bus
func ShowPairingNotification(clientName string) error {
	log.Infof("client %q paired (no desktop notification on this platform)", clientName)
	return nil
}

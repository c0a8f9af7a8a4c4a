//go:build linux

package auth

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	notifyDest  = "org.freedesktop.Notifications"
	notifyPath  = "/org/freedesktop/Notifications"
	notifyIface = "org.freedesktop.Notifications"
)

// ShowPairingNotification raises a desktop notification over the session bus
func ShowPairingNotification(clientName string) error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}
	defer conn.Close()

	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(byte(2)),
	}
	obj := conn.Object(notifyDest, notifyPath)
	call := obj.Call(notifyIface+".Notify", 0,
		"audarad",
		uint32(0),
		"audio-x-generic",
		"Audara Pairing Request",
		fmt.Sprintf("Client '%s' paired with the audarad daemon", clientName),
		[]string{},
		hints,
		int32(-1),
	)
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}

	log.Infof("showed pairing notification for %q", clientName)
	return nil
}

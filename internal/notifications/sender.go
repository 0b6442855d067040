package notifications

import (
	"fmt"

	"github.com/gen2brain/beeep"
	"github.com/godbus/dbus/v5"
)

// Sender delivers a desktop notification
type Sender interface {
	Notify(title, message string, urgent bool) error
}

// BeeepSender uses beeep for cross-platform notifications
type BeeepSender struct{}

// Notify shows a notification; urgent ones also play the alert sound
func (BeeepSender) Notify(title, message string, urgent bool) error {
	if urgent {
		return beeep.Alert(title, message, "")
	}
	return beeep.Notify(title, message, "")
}

// freedesktop notification service
const (
	dbusDestination = "org.freedesktop.Notifications"
	dbusPath        = dbus.ObjectPath("/org/freedesktop/Notifications")
	dbusNotify      = "org.freedesktop.Notifications.Notify"

	urgencyNormal   byte = 1
	urgencyCritical byte = 2
)

// DBusSender talks to the freedesktop notification daemon on the session bus.
// Each notification replaces the previous one instead of stacking up.
type DBusSender struct {
	conn    *dbus.Conn
	appName string
	lastID  uint32
}

// NewDBusSender connects to the session bus
func NewDBusSender(appName string) (*DBusSender, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &DBusSender{conn: conn, appName: appName}, nil
}

// Notify sends the notification. Urgent notifications stay until dismissed.
func (d *DBusSender) Notify(title, message string, urgent bool) error {
	urgency := urgencyNormal
	timeout := int32(10000)
	if urgent {
		urgency = urgencyCritical
		timeout = 0
	}

	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(urgency),
	}

	obj := d.conn.Object(dbusDestination, dbusPath)
	call := obj.Call(dbusNotify, 0,
		d.appName, d.lastID, "", title, message, []string{}, hints, timeout)
	if call.Err != nil {
		return fmt.Errorf("dbus notify: %w", call.Err)
	}

	var id uint32
	if err := call.Store(&id); err == nil {
		d.lastID = id
	}
	return nil
}

// Close releases the bus connection
func (d *DBusSender) Close() error {
	return d.conn.Close()
}

// FakeSender records notifications for tests
type FakeSender struct {
	Sent []Notification
	Err  error
}

// Notification is one recorded notification
type Notification struct {
	Title   string
	Message string
	Urgent  bool
}

// Notify records the notification
func (f *FakeSender) Notify(title, message string, urgent bool) error {
	if f.Err != nil {
		return f.Err
	}
	f.Sent = append(f.Sent, Notification{Title: title, Message: message, Urgent: urgent})
	return nil
}

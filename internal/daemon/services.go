package daemon

import (
	"github.com/nivaria/devmoded/internal/bus"
	"github.com/nivaria/devmoded/internal/pipeline"
)

// Peer services whose presence policy modules depend on. Each gets a
// watch plus a startup ownership query; RUNNING/STOPPED transitions
// are projected into the named pipe.
var essentialServiceNames = []struct {
	name string
	pipe string
}{
	{"org.freedesktop.UPower", "upower_service_state"},
	{"org.bluez", "bluez_service_state"},
	{"net.hadess.SensorProxy", "sensord_service_state"},
	{"com.meego.usb_moded", "usbmoded_service_state"},
}

func essentialServices() []*bus.ServiceEntry {
	entries := make([]*bus.ServiceEntry, 0, len(essentialServiceNames))
	for _, svc := range essentialServiceNames {
		entries = append(entries, &bus.ServiceEntry{
			Name: svc.name,
			Pipe: pipeline.New(svc.pipe, pipeline.ServiceUnknown),
		})
	}
	return entries
}

// ServicePipe returns the presence pipe for a tracked service name,
// for policy modules to subscribe to. Nil if the service is not in the
// essential table.
func (d *Daemon) ServicePipe(name string) *pipeline.Pipe {
	for _, se := range d.services {
		if se.Name == name {
			return se.Pipe
		}
	}
	return nil
}

// Package virt detects the virtualization technology the shim runs under,
// reported through the Manager's Virtualization property.
package virt

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/runc/libcontainer/userns"
	"github.com/sirupsen/logrus"
)

// None is reported on bare metal.
const None = ""

var dmiVendors = []struct {
	prefix string
	id     string
}{
	{"QEMU", "qemu"},
	{"KVM", "kvm"},
	{"VMware", "vmware"},
	{"VMW", "vmware"},
	{"innotek GmbH", "oracle"},
	{"Oracle Corporation", "oracle"},
	{"Xen", "xen"},
	{"Bochs", "bochs"},
	{"Parallels", "parallels"},
	{"Microsoft Corporation", "microsoft"},
	{"Amazon EC2", "amazon"},
}

// Detector looks below Root for the usual virtualization markers.
type Detector struct {
	Root string
	// InUserNS reports whether the process is in a user namespace.
	InUserNS func() bool
}

// Detect inspects the running system.
func Detect() string {
	return (&Detector{Root: "/", InUserNS: userns.RunningInUserNS}).Detect()
}

// Detect returns a systemd-style virtualization id such as "lxc", "docker"
// or "kvm". Containers are checked before hypervisors.
func (d *Detector) Detect() string {
	if id := d.container(); id != None {
		return id
	}
	return d.vm()
}

func (d *Detector) container() string {
	if b, err := d.read("run/systemd/container"); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id
		}
	}
	if b, err := d.read("proc/1/environ"); err == nil {
		for _, kv := range bytes.Split(b, []byte{0}) {
			if v, ok := bytes.CutPrefix(kv, []byte("container=")); ok && len(v) > 0 {
				return string(v)
			}
		}
	} else {
		logrus.WithError(err).Debug("unable to read environment of pid 1")
	}
	if d.exists(".dockerenv") {
		return "docker"
	}
	if d.InUserNS != nil && d.InUserNS() {
		return "container-other"
	}
	return None
}

func (d *Detector) vm() string {
	for _, f := range []string{"sys/class/dmi/id/sys_vendor", "sys/class/dmi/id/product_name"} {
		b, err := d.read(f)
		if err != nil {
			continue
		}
		vendor := strings.TrimSpace(string(b))
		for _, v := range dmiVendors {
			if strings.HasPrefix(vendor, v.prefix) {
				return v.id
			}
		}
	}
	if d.exists("proc/xen") {
		return "xen"
	}
	return None
}

func (d *Detector) read(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(d.Root, name))
}

func (d *Detector) exists(name string) bool {
	_, err := os.Stat(filepath.Join(d.Root, name))
	return err == nil
}

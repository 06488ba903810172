// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pciutils

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	log "github.com/golang/glog"
)

// SysfsRoot is where Linux exposes PCI devices.
const SysfsRoot = "/sys/bus/pci/devices"

// Sysfs is a ConfigSpace backed by /sys/bus/pci/devices/<bdf>/config.
// Accesses to one device are serialized; different devices proceed in parallel.
type Sysfs struct {
	Root string

	mu    sync.Mutex
	locks map[Addr]*sync.Mutex
}

// NewSysfs creates a Sysfs config space accessor rooted at root, or at
// SysfsRoot when root is empty.
func NewSysfs(root string) *Sysfs {
	if root == "" {
		root = SysfsRoot
	}
	return &Sysfs{Root: root, locks: make(map[Addr]*sync.Mutex)}
}

func (s *Sysfs) lock(a Addr) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[a]
	if !ok {
		m = new(sync.Mutex)
		s.locks[a] = m
	}
	return m
}

func (s *Sysfs) configPath(a Addr) string {
	return filepath.Join(s.Root, a.String(), "config")
}

func checkAccess(a Addr, off int32, n int) error {
	if n != 1 && n != 2 && n != 4 {
		return fmt.Errorf("%s: invalid access size %d", a, n)
	}
	if off < 0 || int(off)+n > ConfigSpaceSize || int(off)%n != 0 {
		return fmt.Errorf("%s: invalid config offset %#x size %d", a, off, n)
	}
	return nil
}

// ReadConfig reads n little-endian bytes at off.
func (s *Sysfs) ReadConfig(a Addr, off int32, n int) (uint32, error) {
	if err := checkAccess(a, off, n); err != nil {
		return 0, err
	}
	m := s.lock(a)
	m.Lock()
	defer m.Unlock()

	f, err := os.Open(s.configPath(a))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var b [4]byte
	if _, err := f.ReadAt(b[:n], int64(off)); err != nil {
		return 0, fmt.Errorf("%s: read config %#x: %w", a, off, err)
	}
	return decodeLE(b[:n]), nil
}

// WriteConfig writes n little-endian bytes at off.
func (s *Sysfs) WriteConfig(a Addr, off int32, n int, v uint32) error {
	if err := checkAccess(a, off, n); err != nil {
		return err
	}
	m := s.lock(a)
	m.Lock()
	defer m.Unlock()

	f, err := os.OpenFile(s.configPath(a), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	if _, err := f.WriteAt(b[:n], int64(off)); err != nil {
		f.Close()
		return fmt.Errorf("%s: write config %#x: %w", a, off, err)
	}
	return f.Close()
}

func decodeLE(b []byte) uint32 {
	switch len(b) {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	}
	return binary.LittleEndian.Uint32(b)
}

// Devices lists the PCI functions present under the root, in address order.
func (s *Sysfs) Devices() ([]Addr, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, err
	}
	addrs := make([]Addr, 0, len(entries))
	for _, e := range entries {
		a, err := ParseAddr(e.Name())
		if err != nil {
			log.V(2).Infof("skipping %s: %v", e.Name(), err)
			continue
		}
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	return addrs, nil
}

// Copyright 2024 The psyscall Authors.
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

// Package procmap enumerates the loaded memory regions of a process from
// the kernel's /proc/<pid>/maps pseudo-file.
package procmap

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// MainStack is the backing-path sentinel for a process's primary thread
// stack, as reported in /proc/<pid>/maps.
const MainStack = "[stack]"

// Region is one loaded memory range of a traced or local process.
type Region struct {
	Start, End uintptr
	Perms      string // always four characters, e.g. "r-xp" or "rw-p"
	Path       string // empty for anonymous mappings
}

// Size returns the length in bytes of the region.
func (r Region) Size() uintptr { return r.End - r.Start }

// Contains reports whether addr falls within [Start, End).
func (r Region) Contains(addr uintptr) bool { return r.Start <= addr && addr < r.End }

var line = regexp.MustCompile(`^([0-9a-f]+)-([0-9a-f]+)\s+([rwxps-]{4})\s+[0-9a-f]+\s+\S+\s+\S+\s*(.*)$`)

// Regions returns every mapped region of pid, in the order /proc/<pid>/maps
// reports them (lowest address first). Passing Self-equivalent 0 reads the
// calling process's own maps.
func Regions(pid int) ([]Region, error) {
	path := procPath(pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("procmap: open %s: %w", path, err)
	}
	defer f.Close()

	var regions []Region
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		m := line.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		start, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(m[2], 16, 64)
		if err != nil {
			continue
		}
		regions = append(regions, Region{
			Start: uintptr(start),
			End:   uintptr(end),
			Perms: m[3],
			Path:  m[4],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("procmap: scan %s: %w", path, err)
	}
	return regions, nil
}

func procPath(pid int) string {
	if pid == 0 {
		return "/proc/self/maps"
	}
	return fmt.Sprintf("/proc/%d/maps", pid)
}

// FindByAddr returns the first region containing addr.
func FindByAddr(regions []Region, addr uintptr) (Region, bool) {
	for _, r := range regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// FindByPath returns the first region whose backing path equals path
// exactly (e.g. MainStack, or a library's absolute path).
func FindByPath(regions []Region, path string) (Region, bool) {
	for _, r := range regions {
		if r.Path == path {
			return r, true
		}
	}
	return Region{}, false
}

// libcName matches a backing path's file component against the C runtime
// naming convention: "libc", an optional version suffix made of digits,
// dots and hyphens, and the shared-object extension.
var libcName = regexp.MustCompile(`(^|/)libc[0-9.-]*\.so(\.[0-9]+)*$`)

// FindLibc returns the first region whose backing path looks like a loaded
// C runtime image.
func FindLibc(regions []Region) (Region, bool) {
	for _, r := range regions {
		if libcName.MatchString(r.Path) {
			return r, true
		}
	}
	return Region{}, false
}

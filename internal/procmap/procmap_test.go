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

package procmap

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleMaps = `` +
	`00400000-00452000 r-xp 00000000 08:02 173521      /bin/cat
00651000-00652000 rw-p 00051000 08:02 173521      /bin/cat
7f4a10000000-7f4a10021000 rw-p 00000000 00:00 0
7f4a10021000-7f4a101a0000 r-xp 00000000 08:02 262466      /lib/x86_64-linux-gnu/libc-2.31.so
7f4a101a0000-7f4a103a0000 ---p 0017f000 08:02 262466      /lib/x86_64-linux-gnu/libc-2.31.so
7ffccbb68000-7ffccbb89000 rw-p 00000000 00:00 0           [stack]
`

func writeSampleMaps(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "maps")
	require.NoError(t, os.WriteFile(path, []byte(sampleMaps), 0o644))
	return path
}

func parseFile(t *testing.T, path string) []Region {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var regions []Region
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := line.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		r := Region{Perms: m[3], Path: m[4]}
		regions = append(regions, r)
	}
	return regions
}

func TestLineRegexpMatchesEverySampleRow(t *testing.T) {
	path := writeSampleMaps(t)
	regions := parseFile(t, path)
	require.Len(t, regions, strings.Count(sampleMaps, "\n"))
}

func TestRegionSizeAndContains(t *testing.T) {
	r := Region{Start: 0x1000, End: 0x2000}
	require.Equal(t, uintptr(0x1000), r.Size())
	require.True(t, r.Contains(0x1000))
	require.True(t, r.Contains(0x1fff))
	require.False(t, r.Contains(0x2000))
	require.False(t, r.Contains(0xfff))
}

func TestRegionsReadsSelf(t *testing.T) {
	regions, err := Regions(0)
	require.NoError(t, err)
	require.NotEmpty(t, regions)
}

func TestFindByPathAndByAddr(t *testing.T) {
	regions := []Region{
		{Start: 0x1000, End: 0x2000, Perms: "r-xp", Path: "/bin/cat"},
		{Start: 0x3000, End: 0x4000, Perms: "rw-p", Path: MainStack},
	}
	r, ok := FindByPath(regions, MainStack)
	require.True(t, ok)
	require.Equal(t, uintptr(0x3000), r.Start)

	r, ok = FindByAddr(regions, 0x1500)
	require.True(t, ok)
	require.Equal(t, "/bin/cat", r.Path)

	_, ok = FindByAddr(regions, 0x2500)
	require.False(t, ok)
}

func TestFindLibc(t *testing.T) {
	regions := []Region{
		{Path: "/bin/cat"},
		{Path: "/lib/x86_64-linux-gnu/libc-2.31.so"},
	}
	r, ok := FindLibc(regions)
	require.True(t, ok)
	require.Equal(t, "/lib/x86_64-linux-gnu/libc-2.31.so", r.Path)

	r, ok = FindLibc([]Region{{Path: "/lib/libm.so.6"}})
	require.False(t, ok)
	require.Zero(t, r)
}

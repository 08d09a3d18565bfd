/*
 * Copyright (c) 2018 Geoff Levand
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package media

import (
	"bytes"
	"strconv"

	"github.com/c2h5oh/datasize"
)

const partedFieldCount = 7

type PartitionEntry struct {
	Number     int
	Start      datasize.ByteSize
	End        datasize.ByteSize
	Size       datasize.ByteSize
	FileSystem string
}

// parsePartedOutput reads the machine-readable listing of `parted -m`.
// Header lines and anything that is not a partition row are skipped.
func parsePartedOutput(output []byte) ([]PartitionEntry, error) {

	var entries []PartitionEntry

	lines := bytes.Split(output, []byte("\n"))
	for _, line := range lines {
		line = bytes.TrimSuffix(bytes.TrimSpace(line), []byte(";"))
		split := bytes.Split(line, []byte(":"))
		if len(split) != partedFieldCount {
			continue
		}

		number, conversionErr := strconv.Atoi(string(split[0]))
		if conversionErr != nil {
			// the device header row starts with its path
			continue
		}

		start, startErr := datasize.Parse(split[1])
		if startErr != nil {
			return nil, startErr
		}

		end, endErr := datasize.Parse(split[2])
		if endErr != nil {
			return nil, endErr
		}

		size, sizeErr := datasize.Parse(split[3])
		if sizeErr != nil {
			return nil, sizeErr
		}

		entries = append(entries, PartitionEntry{
			Number:     number,
			Start:      start,
			End:        end,
			Size:       size,
			FileSystem: string(split[4]),
		})
	}

	return entries, nil
}

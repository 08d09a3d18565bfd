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
	"archive/tar"
	"io"
	"os"
	"path/filepath"

	"github.com/glevand/packet--packet-images/utility"
	"github.com/klauspost/compress/gzip"
)

// writeFileArchive packages a single file into a gzipped tarball. The file
// enters the archive under linkName via a hard link created next to the
// source, which keeps the archived name canonical without copying the
// file; the link is removed afterwards.
func writeFileArchive(sourcePath string, linkName string, archivePath string) error {

	linkPath := filepath.Join(filepath.Dir(sourcePath), linkName)
	// a canonical link can survive an interrupted earlier run
	if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Link(sourcePath, linkPath); err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(linkPath)
	}()

	archive, createErr := os.Create(archivePath)
	if createErr != nil {
		return createErr
	}
	defer utility.WrappedClose(archive)

	compressor := gzip.NewWriter(archive)
	writer := tar.NewWriter(compressor)

	info, statErr := os.Stat(linkPath)
	if statErr != nil {
		return statErr
	}
	header, headerErr := tar.FileInfoHeader(info, "")
	if headerErr != nil {
		return headerErr
	}
	header.Name = linkName

	if err := writer.WriteHeader(header); err != nil {
		return err
	}

	source, openErr := os.Open(linkPath)
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(source)

	if _, err := io.Copy(writer, source); err != nil {
		return err
	}

	if err := writer.Close(); err != nil {
		return err
	}
	return compressor.Close()
}

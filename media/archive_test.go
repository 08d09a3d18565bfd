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
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileArchive(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "vmlinuz-4.18.0-1.fc29.aarch64")
	content := []byte("kernel bits")
	require.NoError(t, os.WriteFile(source, content, 0644))

	archivePath := filepath.Join(dir, "kernel.tar.gz")
	require.NoError(t, writeFileArchive(source, "kernel", archivePath))

	archive, openErr := os.Open(archivePath)
	require.NoError(t, openErr)
	defer archive.Close()

	decompressor, gzErr := gzip.NewReader(archive)
	require.NoError(t, gzErr)
	reader := tar.NewReader(decompressor)

	header, headerErr := reader.Next()
	require.NoError(t, headerErr)
	assert.Equal(t, "kernel", header.Name)

	extracted, readErr := io.ReadAll(reader)
	require.NoError(t, readErr)
	assert.Equal(t, content, extracted)

	_, endErr := reader.Next()
	assert.Equal(t, io.EOF, endErr)

	// the canonical hard link is gone, the source stays
	_, linkErr := os.Stat(filepath.Join(dir, "kernel"))
	assert.True(t, os.IsNotExist(linkErr))
	_, sourceErr := os.Stat(source)
	assert.NoError(t, sourceErr)
}

func TestWriteFileArchiveReplacesStaleLink(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "vmlinuz-4.18.0-1.fc29.aarch64")
	content := []byte("fresh kernel bits")
	require.NoError(t, os.WriteFile(source, content, 0644))

	// leftover canonical name from an interrupted earlier run
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kernel"), []byte("stale"), 0644))

	archivePath := filepath.Join(dir, "kernel.tar.gz")
	require.NoError(t, writeFileArchive(source, "kernel", archivePath))

	archive, openErr := os.Open(archivePath)
	require.NoError(t, openErr)
	defer archive.Close()

	decompressor, gzErr := gzip.NewReader(archive)
	require.NoError(t, gzErr)
	reader := tar.NewReader(decompressor)

	header, headerErr := reader.Next()
	require.NoError(t, headerErr)
	assert.Equal(t, "kernel", header.Name)

	extracted, readErr := io.ReadAll(reader)
	require.NoError(t, readErr)
	assert.Equal(t, content, extracted)
}

func TestWriteFileArchiveMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := writeFileArchive(filepath.Join(dir, "no-such-file"), "kernel", filepath.Join(dir, "out.tar.gz"))
	assert.Error(t, err)
}

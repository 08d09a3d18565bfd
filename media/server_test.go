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
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/glevand/packet--packet-images/release"
	"github.com/glevand/packet--packet-images/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeOps simulates the privileged surface on plain files: mounts populate
// their target directory, archives and copies really happen. Every call is
// recorded so teardown ordering can be asserted.
type fakeOps struct {
	t     *testing.T
	calls []string
}

func (f *fakeOps) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeOps) CheckPrivileges(ctx context.Context) error {
	f.record("check-privileges")
	return nil
}

func (f *fakeOps) Decompress(ctx context.Context, compressed string, raw string) error {
	f.record("decompress")
	if _, err := os.Stat(compressed); err != nil {
		return err
	}
	return os.WriteFile(raw, []byte("raw disk image"), 0644)
}

func (f *fakeOps) AttachLoop(ctx context.Context, device string, image string) error {
	f.record("attach-loop")
	_, err := os.Stat(image)
	return err
}

func (f *fakeOps) DetachLoop(ctx context.Context, device string) error {
	f.record("detach-loop")
	return nil
}

func (f *fakeOps) MapPartitions(ctx context.Context, device string) error {
	f.record("map-partitions")
	return nil
}

func (f *fakeOps) UnmapPartitions(ctx context.Context, device string) error {
	f.record("unmap-partitions")
	return nil
}

func (f *fakeOps) Mount(ctx context.Context, source string, target string) error {
	switch {
	case source == system.PartitionNode("/dev/loop0", 2):
		f.record("mount-boot")
		require.NoError(f.t, os.WriteFile(filepath.Join(target, "vmlinuz-4.18.0-1.fc29.aarch64"), []byte("kernel"), 0644))
		require.NoError(f.t, os.WriteFile(filepath.Join(target, "initramfs-4.18.0-1.fc29.aarch64.img"), []byte("initrd"), 0644))
	case source == system.LogicalVolumeNode("fedora", "root"):
		f.record("mount-root")
		modules := filepath.Join(target, "lib", "modules", "4.18.0-1.fc29.aarch64")
		require.NoError(f.t, os.MkdirAll(modules, 0755))
		require.NoError(f.t, os.WriteFile(filepath.Join(modules, "modules.dep"), []byte(""), 0644))
	default:
		f.t.Fatalf("unexpected mount source: %s", source)
	}
	return nil
}

func (f *fakeOps) Unmount(ctx context.Context, target string) error {
	switch filepath.Base(target) {
	case "boot-mnt":
		f.record("unmount-boot")
	case "root-mnt":
		f.record("unmount-root")
	default:
		f.record("unmount")
	}
	return nil
}

func (f *fakeOps) ActivateVolumeGroup(ctx context.Context, group string) error {
	f.record("activate-vg")
	return nil
}

func (f *fakeOps) DeactivateVolumeGroup(ctx context.Context, group string) error {
	f.record("deactivate-vg")
	return nil
}

func (f *fakeOps) Copy(ctx context.Context, source string, target string) error {
	f.record("copy")
	content, readErr := os.ReadFile(source)
	if readErr != nil {
		return readErr
	}
	return os.WriteFile(target, content, 0644)
}

func (f *fakeOps) CopyTree(ctx context.Context, source string, target string) error {
	f.record("copy-tree")
	_, err := os.Stat(source)
	return err
}

func (f *fakeOps) ArchiveTree(ctx context.Context, dir string, archive string) error {
	f.record("archive-tree")
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	return os.WriteFile(archive, []byte("tarball"), 0644)
}

func (f *fakeOps) Chown(ctx context.Context, uid int, gid int, paths ...string) error {
	f.record("chown")
	return nil
}

func (f *fakeOps) PartitionTable(ctx context.Context, device string) ([]byte, error) {
	f.record("partition-table")
	return []byte(samplePartedOutput), nil
}

func testDescriptor(t *testing.T) release.Descriptor {
	desc, err := release.Resolve("29", "arm64")
	require.NoError(t, err)
	return desc
}

func newTestExtractor(t *testing.T, ops system.Ops) *ServerExtractor {
	outDir := t.TempDir()
	workDir := filepath.Join(outDir, "work")
	require.NoError(t, os.MkdirAll(workDir, 0755))
	return &ServerExtractor{
		Ops:        ops,
		OutDir:     outDir,
		WorkDir:    workDir,
		LoopDevice: "/dev/loop0",
	}
}

func TestExtractProducesArtifacts(t *testing.T) {
	ops := &fakeOps{t: t}
	extractor := newTestExtractor(t, ops)
	desc := testDescriptor(t)

	compressed := filepath.Join(extractor.WorkDir, desc.ServerImage().Name)
	require.NoError(t, os.WriteFile(compressed, []byte("compressed"), 0644))

	require.NoError(t, extractor.Extract(context.Background(), desc))

	for _, name := range desc.Artifacts().List() {
		info, statErr := os.Stat(filepath.Join(extractor.OutDir, name))
		require.NoError(t, statErr, "artifact %s", name)
		assert.Greater(t, info.Size(), int64(0))
	}

	// kernel and initrd tarballs are written in-process, spot check one
	archive, openErr := os.Open(filepath.Join(extractor.OutDir, desc.Artifacts().Kernel))
	require.NoError(t, openErr)
	defer archive.Close()
	_, readErr := io.ReadAll(archive)
	assert.NoError(t, readErr)
}

func TestExtractTeardownOrder(t *testing.T) {
	ops := &fakeOps{t: t}
	extractor := newTestExtractor(t, ops)
	desc := testDescriptor(t)

	compressed := filepath.Join(extractor.WorkDir, desc.ServerImage().Name)
	require.NoError(t, os.WriteFile(compressed, []byte("compressed"), 0644))
	require.NoError(t, extractor.Extract(context.Background(), desc))

	var teardown []string
	for _, call := range ops.calls {
		switch call {
		case "unmount-root", "deactivate-vg", "unmount-boot", "unmap-partitions", "detach-loop":
			teardown = append(teardown, call)
		}
	}
	assert.Equal(t, []string{
		"unmount-root",
		"deactivate-vg",
		"unmount-boot",
		"unmap-partitions",
		"detach-loop",
	}, teardown)
}

// mockOps fails wherever the test tells it to, for exercising teardown on
// partial acquisition.
type mockOps struct {
	mock.Mock
}

func (m *mockOps) CheckPrivileges(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockOps) Decompress(ctx context.Context, compressed string, raw string) error {
	return m.Called(ctx, compressed, raw).Error(0)
}

func (m *mockOps) AttachLoop(ctx context.Context, device string, image string) error {
	return m.Called(ctx, device, image).Error(0)
}

func (m *mockOps) DetachLoop(ctx context.Context, device string) error {
	return m.Called(ctx, device).Error(0)
}

func (m *mockOps) MapPartitions(ctx context.Context, device string) error {
	return m.Called(ctx, device).Error(0)
}

func (m *mockOps) UnmapPartitions(ctx context.Context, device string) error {
	return m.Called(ctx, device).Error(0)
}

func (m *mockOps) Mount(ctx context.Context, source string, target string) error {
	return m.Called(ctx, source, target).Error(0)
}

func (m *mockOps) Unmount(ctx context.Context, target string) error {
	return m.Called(ctx, target).Error(0)
}

func (m *mockOps) ActivateVolumeGroup(ctx context.Context, group string) error {
	return m.Called(ctx, group).Error(0)
}

func (m *mockOps) DeactivateVolumeGroup(ctx context.Context, group string) error {
	return m.Called(ctx, group).Error(0)
}

func (m *mockOps) Copy(ctx context.Context, source string, target string) error {
	return m.Called(ctx, source, target).Error(0)
}

func (m *mockOps) CopyTree(ctx context.Context, source string, target string) error {
	return m.Called(ctx, source, target).Error(0)
}

func (m *mockOps) ArchiveTree(ctx context.Context, dir string, archive string) error {
	return m.Called(ctx, dir, archive).Error(0)
}

func (m *mockOps) Chown(ctx context.Context, uid int, gid int, paths ...string) error {
	return m.Called(ctx, uid, gid, paths).Error(0)
}

func (m *mockOps) PartitionTable(ctx context.Context, device string) ([]byte, error) {
	args := m.Called(ctx, device)
	return args.Get(0).([]byte), args.Error(1)
}

func TestExtractFailureAfterAttachStillDetaches(t *testing.T) {
	ops := &mockOps{}
	extractor := newTestExtractor(t, ops)
	desc := testDescriptor(t)

	ops.On("Decompress", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ops.On("AttachLoop", mock.Anything, "/dev/loop0", mock.Anything).Return(nil)
	ops.On("MapPartitions", mock.Anything, "/dev/loop0").Return(errors.New("kpartx: failed"))
	ops.On("DetachLoop", mock.Anything, "/dev/loop0").Return(nil)

	err := extractor.Extract(context.Background(), desc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kpartx")

	ops.AssertCalled(t, "DetachLoop", mock.Anything, "/dev/loop0")
	ops.AssertNotCalled(t, "Mount", mock.Anything, mock.Anything, mock.Anything)
	ops.AssertNotCalled(t, "UnmapPartitions", mock.Anything, "/dev/loop0")
}

func TestExtractMountFailureReleasesMappings(t *testing.T) {
	ops := &mockOps{}
	extractor := newTestExtractor(t, ops)
	desc := testDescriptor(t)

	ops.On("Decompress", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ops.On("AttachLoop", mock.Anything, "/dev/loop0", mock.Anything).Return(nil)
	ops.On("MapPartitions", mock.Anything, "/dev/loop0").Return(nil)
	ops.On("Mount", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("mount: no such device"))
	ops.On("Unmount", mock.Anything, mock.Anything).Return(nil)
	ops.On("UnmapPartitions", mock.Anything, "/dev/loop0").Return(nil)
	ops.On("DetachLoop", mock.Anything, "/dev/loop0").Return(nil)

	err := extractor.Extract(context.Background(), desc)
	require.Error(t, err)

	ops.AssertCalled(t, "UnmapPartitions", mock.Anything, "/dev/loop0")
	ops.AssertCalled(t, "DetachLoop", mock.Anything, "/dev/loop0")
	ops.AssertNotCalled(t, "Unmount", mock.Anything, mock.Anything)
}

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

// Package system wraps the privileged block device, mount, and LVM
// operations the image extraction depends on. The extraction procedure
// only sees the Ops interface, so it can run against a fake without real
// privilege or real block devices.
package system

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/glevand/packet--packet-images/telemetry"
	"github.com/glevand/packet--packet-images/utility"
)

type Ops interface {
	// CheckPrivileges verifies passwordless sudo is available. Called once
	// up front so the run fails before any download when it is not.
	CheckPrivileges(ctx context.Context) error

	// Decompress expands a compressed image into raw, overwriting any
	// prior file. The compressed stream is fed on stdin.
	Decompress(ctx context.Context, compressed string, raw string) error

	AttachLoop(ctx context.Context, device string, image string) error
	DetachLoop(ctx context.Context, device string) error

	// MapPartitions exposes the loop device's partitions as read-only
	// device-mapper nodes, see PartitionNode for their paths.
	MapPartitions(ctx context.Context, device string) error
	UnmapPartitions(ctx context.Context, device string) error

	// Mount is always read-only, nothing here modifies the image.
	Mount(ctx context.Context, source string, target string) error
	Unmount(ctx context.Context, target string) error

	ActivateVolumeGroup(ctx context.Context, group string) error
	DeactivateVolumeGroup(ctx context.Context, group string) error

	Copy(ctx context.Context, source string, target string) error
	CopyTree(ctx context.Context, source string, target string) error

	// ArchiveTree packages the directory's contents into a compressed
	// tarball, preserving ownership and permissions.
	ArchiveTree(ctx context.Context, dir string, archive string) error

	Chown(ctx context.Context, uid int, gid int, paths ...string) error

	// PartitionTable returns the machine-readable partition listing of a
	// device. Diagnostic only.
	PartitionTable(ctx context.Context, device string) ([]byte, error)
}

// PartitionNode is the device-mapper node kpartx creates for one partition
// of a loop device.
func PartitionNode(loopDevice string, number int) string {
	return filepath.Join("/dev/mapper", filepath.Base(loopDevice)+"p"+strconv.Itoa(number))
}

// LogicalVolumeNode is the device-mapper node for an activated logical
// volume.
func LogicalVolumeNode(group string, volume string) string {
	return filepath.Join("/dev/mapper", group+"-"+volume)
}

// ExecOps shells out through sudo for everything that needs privilege.
type ExecOps struct {
	Verbose bool
}

var _ Ops = &ExecOps{}

func sudoCommand(args ...string) *exec.Cmd {
	return exec.Command("sudo", append([]string{"-n"}, args...)...) //nolint:gosec
}

func (e *ExecOps) run(ctx context.Context, args ...string) error {
	cmd := sudoCommand(args...)
	if e.Verbose {
		log.Printf("exec: %s", cmd.String())
	}
	return utility.RunCommandWithOutput(ctx, cmd)
}

func (e *ExecOps) CheckPrivileges(ctx context.Context) error {
	if err := e.run(ctx, "true"); err != nil {
		return fmt.Errorf("passwordless sudo is required: %v", err)
	}
	return nil
}

func (e *ExecOps) Decompress(ctx context.Context, compressed string, raw string) error {

	source, openErr := os.Open(compressed)
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(source)

	target, createErr := os.Create(raw)
	if createErr != nil {
		return createErr
	}
	defer utility.WrappedClose(target)

	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("decompressing %s", compressed))
	defer span.End()

	var stderr bytes.Buffer
	cmd := exec.Command("xz", "-d", "-c")
	cmd.Stdin = source
	cmd.Stdout = target
	cmd.Stderr = &stderr
	if e.Verbose {
		log.Printf("exec: %s < %s > %s", cmd.String(), compressed, raw)
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("decompressing %s: %v, output: %s", compressed, err, stderr.String())
	}
	return nil
}

func (e *ExecOps) AttachLoop(ctx context.Context, device string, image string) error {
	return e.run(ctx, "losetup", device, image)
}

func (e *ExecOps) DetachLoop(ctx context.Context, device string) error {
	return e.run(ctx, "losetup", "-d", device)
}

func (e *ExecOps) MapPartitions(ctx context.Context, device string) error {
	return e.run(ctx, "kpartx", "-a", "-r", "-s", device)
}

func (e *ExecOps) UnmapPartitions(ctx context.Context, device string) error {
	return e.run(ctx, "kpartx", "-d", device)
}

func (e *ExecOps) Mount(ctx context.Context, source string, target string) error {
	return e.run(ctx, "mount", "-o", "ro", source, target)
}

func (e *ExecOps) Unmount(ctx context.Context, target string) error {
	return e.run(ctx, "umount", target)
}

func (e *ExecOps) ActivateVolumeGroup(ctx context.Context, group string) error {
	return e.run(ctx, "vgchange", "--activate", "y", group)
}

func (e *ExecOps) DeactivateVolumeGroup(ctx context.Context, group string) error {
	return e.run(ctx, "vgchange", "--activate", "n", group)
}

func (e *ExecOps) Copy(ctx context.Context, source string, target string) error {
	return e.run(ctx, "cp", "-a", source, target)
}

func (e *ExecOps) CopyTree(ctx context.Context, source string, target string) error {
	return e.run(ctx, "cp", "-a", source, target)
}

func (e *ExecOps) ArchiveTree(ctx context.Context, dir string, archive string) error {
	return e.run(ctx, "tar", "--one-file-system", "-czpf", archive, "-C", dir, ".")
}

func (e *ExecOps) Chown(ctx context.Context, uid int, gid int, paths ...string) error {
	args := append([]string{"chown", fmt.Sprintf("%d:%d", uid, gid)}, paths...)
	return e.run(ctx, args...)
}

func (e *ExecOps) PartitionTable(ctx context.Context, device string) ([]byte, error) {
	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("inspecting partitions on %s", device))
	defer span.End()

	cmd := sudoCommand("parted", "-m", "-s", device, "unit", "B", "print")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("non zero exit code exit code: %v, output: %s", err, string(output))
	}
	return output, nil
}

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
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/glevand/packet--packet-images/release"
	"github.com/glevand/packet--packet-images/system"
	"github.com/glevand/packet--packet-images/utility"
)

const (
	rawImageName = "fedora.img"

	// partition 1 is the EFI system partition, 2 the boot filesystem, 3
	// the LVM physical volume holding the root volume
	bootPartitionNumber = 2

	volumeGroupName  = "fedora"
	rootVolumeName   = "root"
	bootMountName    = "boot-mnt"
	rootMountName    = "root-mnt"
	modulesStageName = "modules"

	kernelGlob = "vmlinuz-*"
	initrdGlob = "initramfs-*"

	kernelLinkName = "kernel"
	initrdLinkName = "initrd"
)

// ServerExtractor pulls the kernel, initrd, kernel modules, and root
// filesystem out of a compressed Fedora server disk image and repackages
// them as the deployable artifacts.
//
// Every acquired OS resource pushes its release onto a guard stack that
// runs on all exit paths, so a failure partway through still detaches the
// loop device and unmounts everything acquired so far.
type ServerExtractor struct {
	Ops        system.Ops
	OutDir     string
	WorkDir    string
	LoopDevice string
	Verbose    bool
}

func (x *ServerExtractor) Extract(ctx context.Context, desc release.Descriptor) error {

	guards := &system.Guards{}
	defer guards.Release()

	artifacts := desc.Artifacts()
	compressed := filepath.Join(x.WorkDir, desc.ServerImage().Name)
	raw := filepath.Join(x.WorkDir, rawImageName)

	if err := x.Ops.Decompress(ctx, compressed, raw); err != nil {
		return err
	}

	if err := x.Ops.AttachLoop(ctx, x.LoopDevice, raw); err != nil {
		return err
	}
	guards.Add("detach "+x.LoopDevice, func() error {
		return x.Ops.DetachLoop(context.Background(), x.LoopDevice)
	})

	if x.Verbose {
		x.logPartitionTable(ctx)
	}

	if err := x.Ops.MapPartitions(ctx, x.LoopDevice); err != nil {
		return err
	}
	guards.Add("unmap partitions of "+x.LoopDevice, func() error {
		return x.Ops.UnmapPartitions(context.Background(), x.LoopDevice)
	})

	bootMount := filepath.Join(x.WorkDir, bootMountName)
	if err := os.MkdirAll(bootMount, 0755); err != nil {
		return err
	}
	if err := x.Ops.Mount(ctx, system.PartitionNode(x.LoopDevice, bootPartitionNumber), bootMount); err != nil {
		return err
	}
	guards.Add("unmount boot", func() error {
		return x.Ops.Unmount(context.Background(), bootMount)
	})

	uid, gid := utility.InvokingUser()

	kernel, kernelErr := x.copyBootFile(ctx, filepath.Join(bootMount, kernelGlob))
	if kernelErr != nil {
		return kernelErr
	}
	initrd, initrdErr := x.copyBootFile(ctx, filepath.Join(bootMount, initrdGlob))
	if initrdErr != nil {
		return initrdErr
	}
	// the copies keep root ownership from the image, take them over
	// before reading them back for archiving
	if err := x.Ops.Chown(ctx, uid, gid, kernel, initrd); err != nil {
		return err
	}

	if err := writeFileArchive(kernel, kernelLinkName, filepath.Join(x.OutDir, artifacts.Kernel)); err != nil {
		return err
	}
	if err := writeFileArchive(initrd, initrdLinkName, filepath.Join(x.OutDir, artifacts.Initrd)); err != nil {
		return err
	}

	if err := x.Ops.ActivateVolumeGroup(ctx, volumeGroupName); err != nil {
		return err
	}
	guards.Add("deactivate volume group "+volumeGroupName, func() error {
		return x.Ops.DeactivateVolumeGroup(context.Background(), volumeGroupName)
	})

	rootMount := filepath.Join(x.WorkDir, rootMountName)
	if err := os.MkdirAll(rootMount, 0755); err != nil {
		return err
	}
	if err := x.Ops.Mount(ctx, system.LogicalVolumeNode(volumeGroupName, rootVolumeName), rootMount); err != nil {
		return err
	}
	guards.Add("unmount root", func() error {
		return x.Ops.Unmount(context.Background(), rootMount)
	})

	if err := x.archiveModules(ctx, rootMount, filepath.Join(x.OutDir, artifacts.Modules)); err != nil {
		return err
	}

	if err := x.Ops.ArchiveTree(ctx, rootMount, filepath.Join(x.OutDir, artifacts.RootFS)); err != nil {
		return err
	}

	owned := make([]string, 0, 4)
	for _, name := range artifacts.List() {
		owned = append(owned, filepath.Join(x.OutDir, name))
	}
	return x.Ops.Chown(ctx, uid, gid, owned...)
}

// copyBootFile copies the single file matching pattern out of the mounted
// boot filesystem into the work directory.
func (x *ServerExtractor) copyBootFile(ctx context.Context, pattern string) (string, error) {

	matches, globErr := filepath.Glob(pattern)
	if globErr != nil {
		return "", globErr
	}
	if len(matches) != 1 {
		return "", fmt.Errorf("expected exactly one match for %s, found %d", pattern, len(matches))
	}

	target := filepath.Join(x.WorkDir, filepath.Base(matches[0]))
	if err := x.Ops.Copy(ctx, matches[0], target); err != nil {
		return "", err
	}
	return target, nil
}

// archiveModules stages the kernel modules tree under a lib/ prefix so the
// archive unpacks as lib/modules/..., matching where the deployer drops it.
func (x *ServerExtractor) archiveModules(ctx context.Context, rootMount string, archive string) error {

	staging := filepath.Join(x.WorkDir, modulesStageName)
	if err := os.MkdirAll(filepath.Join(staging, "lib"), 0755); err != nil {
		return err
	}

	source := filepath.Join(rootMount, "lib", "modules")
	if err := x.Ops.CopyTree(ctx, source, filepath.Join(staging, "lib")); err != nil {
		return err
	}

	return x.Ops.ArchiveTree(ctx, staging, archive)
}

func (x *ServerExtractor) logPartitionTable(ctx context.Context) {
	output, tableErr := x.Ops.PartitionTable(ctx, x.LoopDevice)
	if tableErr != nil {
		log.Printf("could not inspect %s: %v", x.LoopDevice, tableErr)
		return
	}
	entries, parseErr := parsePartedOutput(output)
	if parseErr != nil {
		log.Printf("could not parse partition table of %s: %v", x.LoopDevice, parseErr)
		return
	}
	for _, entry := range entries {
		log.Printf("%s partition %d: %s %s", x.LoopDevice, entry.Number,
			entry.Size.HumanReadable(), entry.FileSystem)
	}
}
